package utils

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"screenshare/internal/config"
)

// DebugLog выводит debug сообщения только если включен режим отладки
func DebugLog(format string, args ...interface{}) {
	if config.DebugEnabled {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// SetupGracefulShutdown настраивает обработку сигналов завершения
func SetupGracefulShutdown() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// ServerStats - статистика работы сервера (отправителя)
type ServerStats struct {
	StartTime      time.Time
	EndTime        time.Time
	VideoFrames    uint64
	AudioFrames    uint64
	TotalBytes     uint64
	DroppedNoPeer  uint64 // пакеты, отброшенные без известного endpoint'а
	Duration       time.Duration
	NetworkSpeed   float64 // MB/s
}

// ClientStats - статистика работы клиента (приемника)
type ClientStats struct {
	StartTime        time.Time
	EndTime          time.Time
	VideoFrames      uint64
	AudioFrames      uint64
	TotalBytes       uint64
	SupersededFrames uint64
	RecoveredFrames  uint64
	Duration         time.Duration
	NetworkSpeed     float64 // MB/s
	DiskWriteSpeed   float64 // MB/s
}

var GlobalClientStats ClientStats
var GlobalServerStats ServerStats
