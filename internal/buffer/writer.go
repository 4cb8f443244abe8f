package buffer

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"screenshare/internal/utils"
)

// BufferedFileWriter накапливает данные и пишет на диск большими блоками
// в фоновой goroutine, чтобы медленный диск не блокировал цикл
// диспетчеризации декодера
type BufferedFileWriter struct {
	file       *os.File
	buffer     []byte
	bufSize    int
	position   int
	mu         sync.Mutex
	writeChan  chan []byte
	totalBytes int64
	writeTime  int64 // наносекунды, atomic
	workerDone sync.WaitGroup
}

// NewBufferedFileWriter создает writer с заданным размером буфера
func NewBufferedFileWriter(filename string, bufferSize int) (*BufferedFileWriter, error) {
	if bufferSize <= 0 {
		bufferSize = 4 * 1024 * 1024 // 4MB по умолчанию
	}

	file, err := os.Create(filename)
	if err != nil {
		return nil, err
	}

	w := &BufferedFileWriter{
		file:      file,
		buffer:    make([]byte, bufferSize),
		bufSize:   bufferSize,
		writeChan: make(chan []byte, 16),
	}

	w.workerDone.Add(1)
	go w.writeWorker()

	return w, nil
}

// Write накапливает данные в буфере и отдает его фоновому writer'у при заполнении
func (w *BufferedFileWriter) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	for total < len(data) {
		n := copy(w.buffer[w.position:], data[total:])
		w.position += n
		total += n

		if w.position >= w.bufSize {
			w.sendBufferLocked()
		}
	}
	return total, nil
}

// writeWorker пишет блоки на диск в фоне
func (w *BufferedFileWriter) writeWorker() {
	defer w.workerDone.Done()
	for data := range w.writeChan {
		start := time.Now()
		n, err := w.file.Write(data)
		if err != nil {
			utils.DebugLog("[WRITER] write error: %v", err)
			continue
		}
		atomic.AddInt64(&w.totalBytes, int64(n))
		atomic.AddInt64(&w.writeTime, int64(time.Since(start)))
	}
}

func (w *BufferedFileWriter) sendBufferLocked() {
	block := make([]byte, w.position)
	copy(block, w.buffer[:w.position])
	w.writeChan <- block
	w.position = 0
}

// Flush отправляет накопленный остаток фоновому writer'у
func (w *BufferedFileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.position > 0 {
		w.sendBufferLocked()
	}
	return nil
}

// WriteSpeed возвращает текущую скорость записи в MB/s
func (w *BufferedFileWriter) WriteSpeed() float64 {
	totalBytes := atomic.LoadInt64(&w.totalBytes)
	writeTime := time.Duration(atomic.LoadInt64(&w.writeTime))
	if writeTime.Seconds() > 0 {
		return float64(totalBytes) / writeTime.Seconds() / (1024 * 1024)
	}
	return 0
}

// Close сбрасывает остаток, дожидается фоновых записей и закрывает файл
func (w *BufferedFileWriter) Close() error {
	w.mu.Lock()
	if w.position > 0 {
		w.sendBufferLocked()
	}
	w.mu.Unlock()

	close(w.writeChan)
	w.workerDone.Wait()
	return w.file.Close()
}
