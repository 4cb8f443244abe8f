package session

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"screenshare/internal/buffer"
	"screenshare/internal/config"
	"screenshare/internal/media"
	"screenshare/internal/metrics"
	"screenshare/internal/packet"
	"screenshare/internal/utils"
)

// taskKind различает задачи в очередях диспетчеризации
type taskKind uint8

const (
	taskSetup  taskKind = iota // пересоздать декодер под новые метаданные
	taskConfig                 // передать декодеру config blob
	taskData                   // передать декодеру кадр/аудио данные
)

// task - единица работы цикла диспетчеризации. Метаданные передаются
// внутри задачи, а не через разделяемое поле: цикл никогда не сравнивает
// экземпляры декодеров между goroutine'ами
type task struct {
	kind    taskKind
	meta    media.Metadata
	payload []byte
}

// Receiver - клиентская сторона сессии: читает датаграммы с сокета,
// демультиплексирует по типу, собирает видео кадры из фрагментов и
// раздает работу двум независимым циклам диспетчеризации (видео и аудио).
// Медленный декодер одного типа не блокирует другой: между приемом и
// декодированием стоят ограниченные очереди со сбросом старейшего.
type Receiver struct {
	conn  *net.UDPConn
	reasm *buffer.Reassembler

	// По паре очередей на тип медиа: control (setup/config, без потерь)
	// и data (drop-oldest jitter buffer)
	videoCtrl *buffer.DispatchQueue[task]
	videoData *buffer.DispatchQueue[task]
	audioCtrl *buffer.DispatchQueue[task]
	audioData *buffer.DispatchQueue[task]

	newVideoDecoder media.DecoderFactory
	newAudioDecoder media.DecoderFactory

	// Последние метаданные, только для детектирования изменений.
	// Поле принадлежит readLoop
	meta     media.Metadata
	haveMeta bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReceiver создает Receiver поверх подключенного к серверу сокета
func NewReceiver(conn *net.UDPConn, videoDec, audioDec media.DecoderFactory) *Receiver {
	return &Receiver{
		conn:            conn,
		reasm:           buffer.NewReassembler(),
		videoCtrl:       buffer.NewNoDrop[task](config.ControlQueueCap),
		videoData:       buffer.NewDropOldest[task](config.VideoQueueCap),
		audioCtrl:       buffer.NewNoDrop[task](config.ControlQueueCap),
		audioData:       buffer.NewDropOldest[task](config.AudioQueueCap),
		newVideoDecoder: videoDec,
		newAudioDecoder: audioDec,
		stop:            make(chan struct{}),
	}
}

// Start запускает цикл чтения сокета, heartbeat и по циклу
// диспетчеризации на тип медиа
func (r *Receiver) Start() {
	r.wg.Add(4)
	go r.readLoop()
	go r.heartbeatLoop()
	go r.dispatchLoop("video", r.videoCtrl, r.videoData, r.newVideoDecoder)
	go r.dispatchLoop("audio", r.audioCtrl, r.audioData, r.newAudioDecoder)
}

// Stop останавливает все циклы и опустошает очереди
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.conn.Close()
	})
	r.wg.Wait()
	r.videoCtrl.Clear()
	r.videoData.Clear()
	r.audioCtrl.Clear()
	r.audioData.Clear()
}

func (r *Receiver) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// heartbeatLoop шлет heartbeat серверу раз в секунду независимо от цикла
// приема. Это единственный механизм, которым сервер узнает и обновляет
// достижимый адрес клиента
func (r *Receiver) heartbeatLoop() {
	defer r.wg.Done()

	hb := (&packet.Packet{Type: packet.TypeHeartbeat}).Marshal()
	ticker := time.NewTicker(config.HeartbeatInterval)
	defer ticker.Stop()

	// Первый heartbeat сразу: сервер должен выучить адрес до первого кадра
	if _, err := r.conn.Write(hb); err != nil {
		utils.DebugLog("[HB] send: %v", err)
	}

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if _, err := r.conn.Write(hb); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				utils.DebugLog("[HB] send: %v", err)
			}
		}
	}
}

// readLoop - единственный цикл чтения сокета. Каждая датаграмма
// обрабатывается изолированно: битый пакет логируется и пропускается,
// сессию он не завершает
func (r *Receiver) readLoop() {
	defer r.wg.Done()
	buf := make([]byte, 64*1024)

	for !r.stopped() {
		r.conn.SetReadDeadline(timeNowAdd(config.ReadPollTimeout))
		n, err := r.conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue // таймаут - не ошибка, а шанс проверить флаг завершения
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[RX] read error: %v", err)
			continue
		}

		metrics.PromRxPackets.Inc()
		metrics.PromRxBytes.Add(float64(n))
		atomic.AddUint64(&utils.GlobalClientStats.TotalBytes, uint64(n))

		pkt, err := packet.Unmarshal(buf[:n])
		if err != nil {
			if errors.Is(err, packet.ErrUnknownType) {
				// forward compatibility: молча пропускаем
				continue
			}
			metrics.PromRxMalformed.Inc()
			utils.DebugLog("[RX] malformed datagram: %v", err)
			continue
		}

		r.route(pkt)
	}
}

// route раскладывает декодированный пакет по очередям
func (r *Receiver) route(pkt *packet.Packet) {
	switch pkt.Type {
	case packet.TypeMeta:
		meta := media.Metadata{Width: pkt.Width, Height: pkt.Height}
		if r.haveMeta && r.meta == meta {
			return // повторный анонс тех же метаданных, декодер не трогаем
		}
		r.meta = meta
		r.haveMeta = true
		log.Printf("[RX] stream metadata: %dx%d", meta.Width, meta.Height)
		// Оба декодера пересоздаются под новые метаданные
		r.videoCtrl.Put(task{kind: taskSetup, meta: meta})
		r.audioCtrl.Put(task{kind: taskSetup, meta: meta})

	case packet.TypeVideoFragment:
		if complete := r.reasm.AddFragment(pkt.FrameIndex, pkt.PartIndex, pkt.TotalParts, pkt.Payload); complete != nil {
			atomic.AddUint64(&utils.GlobalClientStats.VideoFrames, 1)
			r.videoData.Put(task{kind: taskData, payload: complete})
		}

	case packet.TypeVideoParity:
		if complete := r.reasm.AddParity(pkt.FrameIndex, pkt.PartIndex, pkt.TotalParts, pkt.ParityParts, pkt.FrameBytes, pkt.Payload); complete != nil {
			atomic.AddUint64(&utils.GlobalClientStats.VideoFrames, 1)
			atomic.AddUint64(&utils.GlobalClientStats.RecoveredFrames, 1)
			r.videoData.Put(task{kind: taskData, payload: complete})
		}

	case packet.TypeVideoConfig:
		r.videoCtrl.Put(task{kind: taskConfig, payload: pkt.Payload})

	case packet.TypeAudioData:
		atomic.AddUint64(&utils.GlobalClientStats.AudioFrames, 1)
		r.audioData.Put(task{kind: taskData, payload: pkt.Payload})

	case packet.TypeAudioConfig:
		r.audioCtrl.Put(task{kind: taskConfig, payload: pkt.Payload})

	case packet.TypeHeartbeat:
		// сервер heartbeat'ы не шлет; игнорируем
	}
}

// dispatchLoop потребляет задачи одного типа медиа и владеет своим
// экземпляром декодера. Control задачи обрабатываются раньше data задач.
// Состояние жизненного цикла: декодер nil = UNINITIALIZED, иначе READY;
// data задачи до получения config'а молча отбрасываются - кадр без
// конфигурации неиграбелен и декодеру не предъявляется
func (r *Receiver) dispatchLoop(name string, ctrl, data *buffer.DispatchQueue[task], factory media.DecoderFactory) {
	defer r.wg.Done()

	var dec media.Decoder
	var configured bool
	var lastConfig []byte

	defer func() {
		if dec != nil {
			dec.Close()
		}
	}()

	handle := func(t task) {
		switch t.kind {
		case taskSetup:
			if dec != nil {
				dec.Close()
				dec = nil
			}
			configured = false
			d, err := factory(t.meta)
			if err != nil {
				log.Printf("[%s] decoder setup failed: %v", name, err)
				return
			}
			dec = d
			utils.DebugLog("[%s] decoder ready (%dx%d)", name, t.meta.Width, t.meta.Height)
			// Переприменяем закешированный config: смена разрешения посреди
			// сессии не должна стопорить декодер до следующего keyframe'а
			if lastConfig != nil {
				if err := dec.Configure(lastConfig); err != nil {
					log.Printf("[%s] decoder rejected cached config: %v", name, err)
					return
				}
				configured = true
			}

		case taskConfig:
			lastConfig = t.payload
			if dec == nil {
				// setup еще не пришел (датаграммы могли переупорядочиться);
				// config закеширован и применится после setup'а
				return
			}
			if err := dec.Configure(t.payload); err != nil {
				log.Printf("[%s] decoder rejected config: %v", name, err)
				return
			}
			configured = true

		case taskData:
			if dec == nil || !configured {
				utils.DebugLog("[%s] frame before decoder ready, dropped", name)
				return
			}
			if err := dec.Decode(t.payload); err != nil {
				// Отказ декодера - не фатален: логируем и едем дальше
				log.Printf("[%s] decode error: %v", name, err)
			}
		}
	}

	for !r.stopped() {
		// Сначала выгребаем все control задачи: setup/config не теряются
		// и не должны стоять за кадрами
		for {
			t, ok := ctrl.Take(0)
			if !ok {
				break
			}
			handle(t)
		}

		t, ok := data.Take(config.QueuePollTimeout)
		if !ok {
			continue
		}
		handle(t)
	}
}
