package config

import "time"

// Константы протокола передачи экрана
// Порты фиксированы для совместимости с существующими клиентами
const (
	MediaPort          = 8888 // UDP порт для видео/аудио/метаданных
	DiscoveryPort      = 8889 // UDP порт для discovery broadcast запросов
	DiscoveryReplyPort = 8890 // UDP порт на который отправляется discovery ответ

	// MTUPayload - максимальный размер полезной нагрузки одного видео-фрагмента
	// Выбран с запасом под заголовок пакета и IP/UDP заголовки при MTU 1500
	MTUPayload = 1300

	// MaxFragments - максимальное количество фрагментов одного access unit
	// (поле totalParts занимает 1 байт)
	MaxFragments = 255

	// HeartbeatInterval - период отправки heartbeat'ов клиентом
	// Heartbeat одновременно сигнализирует liveness и сообщает серверу адрес клиента
	HeartbeatInterval = 1 * time.Second

	// ReadPollTimeout - таймаут блокирующего recv, чтобы циклы регулярно
	// проверяли флаг завершения даже без трафика
	ReadPollTimeout = 500 * time.Millisecond

	// QueuePollTimeout - таймаут взятия из очереди диспетчеризации
	QueuePollTimeout = 200 * time.Millisecond

	// Емкости очередей диспетчеризации
	// Видео-очередь - это jitter buffer размером в пару кадров: свежее всегда важнее
	VideoQueueCap    = 2
	AudioQueueCap    = 32
	ControlQueueCap  = 8    // setup/config задачи, никогда не теряются
	OutboundQueueCap = 1024 // исходящая очередь отправителя

	// Discovery протокол (ASCII строки, фиксированы для совместимости)
	DiscoveryRequest     = "DISCOVER_SCREEN_SHARE_SERVER"
	DiscoveryReplyPrefix = "SCREEN_SHARE_SERVER_IP:"
)

// Глобальная переменная для управления debug логированием
var DebugEnabled bool
