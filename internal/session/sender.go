// Package session содержит обе стороны медиа-транспорта: Sender
// (пакетизация, исходящая очередь, endpoint learning) и Receiver
// (прием, демультиплексирование, сборка, диспетчеризация в декодеры).
package session

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	rs "github.com/klauspost/reedsolomon"

	"screenshare/internal/buffer"
	"screenshare/internal/config"
	"screenshare/internal/media"
	"screenshare/internal/metrics"
	"screenshare/internal/packet"
	"screenshare/internal/udp"
	"screenshare/internal/utils"
)

// sendErrorLogLimit - после стольких подряд ошибок отправки лог замолкает
// до первой успешной отправки (endpoint может быть временно недостижим)
const sendErrorLogLimit = 10

// Sender - серверная сторона сессии: принимает access unit'ы от внешнего
// энкодера, фрагментирует видео по MTU, и отправляет все выученному
// endpoint'у клиента. Endpoint не конфигурируется - он выучивается из
// входящих heartbeat'ов (NAT/port mapping)
type Sender struct {
	conn     *net.UDPConn
	endpoint *udp.EndpointSlot
	outbound *buffer.DispatchQueue[*packet.Packet]
	// control - отдельная очередь без потерь для META и config пакетов:
	// насыщенная кадрами исходящая очередь не должна вытеснить переанонс
	control *buffer.DispatchQueue[*packet.Packet]

	mu              sync.Mutex
	meta            media.Metadata
	haveMeta        bool
	lastVideoConfig []byte
	lastAudioConfig []byte
	frameIndex      uint16

	// parityShards > 0 включает Reed-Solomon parity для видео кадров
	parityShards int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	sendErrors int
}

// NewSender создает Sender поверх уже открытого серверного сокета.
// parityShards == 0 отключает FEC
func NewSender(conn *net.UDPConn, parityShards int) (*Sender, error) {
	if parityShards < 0 || parityShards > config.MaxFragments {
		return nil, fmt.Errorf("invalid parity shard count: %d", parityShards)
	}
	return &Sender{
		conn:         conn,
		endpoint:     &udp.EndpointSlot{},
		outbound:     buffer.NewDropOldest[*packet.Packet](config.OutboundQueueCap),
		control:      buffer.NewNoDrop[*packet.Packet](config.ControlQueueCap),
		parityShards: parityShards,
		stop:         make(chan struct{}),
	}, nil
}

// Start запускает цикл отправки и цикл обучения endpoint'а
func (s *Sender) Start() {
	s.wg.Add(2)
	go s.sendLoop()
	go s.learnLoop()
}

// Stop останавливает оба цикла. Закрытие сокета выбивает цикл обучения
// из блокирующего чтения
func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.conn.Close()
	})
	s.wg.Wait()
	s.outbound.Clear()
	s.control.Clear()
	s.endpoint.Clear()
	metrics.PromEndpointKnown.Set(0)
}

func (s *Sender) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// SetMetadata запоминает метаданные потока и, если они изменились
// (например при повороте экрана), немедленно переанонсирует их текущему
// endpoint'у - не дожидаясь нового подключения
func (s *Sender) SetMetadata(meta media.Metadata) {
	s.mu.Lock()
	changed := !s.haveMeta || s.meta != meta
	s.meta = meta
	s.haveMeta = true
	s.mu.Unlock()

	if changed {
		log.Printf("[TX] stream metadata: %dx%d", meta.Width, meta.Height)
		s.control.Put(&packet.Packet{Type: packet.TypeMeta, Width: meta.Width, Height: meta.Height})
	}
}

// SendVideoConfig отправляет config blob видео декодера и запоминает его
// для переанонса при (пере)подключении клиента
func (s *Sender) SendVideoConfig(blob []byte) {
	s.mu.Lock()
	s.lastVideoConfig = append([]byte(nil), blob...)
	s.mu.Unlock()
	s.control.Put(&packet.Packet{Type: packet.TypeVideoConfig, Payload: append([]byte(nil), blob...)})
}

// SendAudioConfig отправляет config blob аудио декодера и запоминает его
func (s *Sender) SendAudioConfig(blob []byte) {
	s.mu.Lock()
	s.lastAudioConfig = append([]byte(nil), blob...)
	s.mu.Unlock()
	s.control.Put(&packet.Packet{Type: packet.TypeAudioConfig, Payload: append([]byte(nil), blob...)})
}

// SendVideo фрагментирует один видео access unit по MTU и ставит фрагменты
// в исходящую очередь в порядке part 0..totalParts-1. frameIndex
// инкрементируется после полной пакетизации кадра, сколько бы фрагментов
// ни получилось
func (s *Sender) SendVideo(payload []byte) error {
	pkts, err := s.packetizeVideo(payload)
	if err != nil {
		return err
	}
	for _, p := range pkts {
		s.outbound.Put(p)
	}
	return nil
}

// SendVideoUnit диспетчеризует видео access unit по его типу:
// config blob'ы идут без фрагментации и запоминаются для переанонса,
// данные фрагментируются по MTU
func (s *Sender) SendVideoUnit(u media.AccessUnit) error {
	if u.Kind == media.KindConfig {
		s.SendVideoConfig(u.Payload)
		return nil
	}
	return s.SendVideo(u.Payload)
}

// SendAudioUnit диспетчеризует аудио access unit по его типу
func (s *Sender) SendAudioUnit(u media.AccessUnit) error {
	if u.Kind == media.KindConfig {
		s.SendAudioConfig(u.Payload)
		return nil
	}
	return s.SendAudio(u.Payload)
}

// SendAudio отправляет один аудио access unit без фрагментации
// (аудио кадры предполагаются меньше MTU)
func (s *Sender) SendAudio(payload []byte) error {
	if len(payload) > config.MTUPayload {
		return fmt.Errorf("audio frame of %d bytes exceeds MTU payload %d", len(payload), config.MTUPayload)
	}
	s.outbound.Put(&packet.Packet{Type: packet.TypeAudioData, Payload: append([]byte(nil), payload...)})
	return nil
}

// packetizeVideo строит фрагменты одного кадра и, при включенном FEC,
// parity шарды. Пустой кадр дает один пустой фрагмент, чтобы кадр
// существовал на проводе
func (s *Sender) packetizeVideo(payload []byte) ([]*packet.Packet, error) {
	totalParts := (len(payload) + config.MTUPayload - 1) / config.MTUPayload
	if totalParts == 0 {
		totalParts = 1
	}
	if totalParts > config.MaxFragments {
		return nil, fmt.Errorf("access unit of %d bytes needs %d fragments, max is %d",
			len(payload), totalParts, config.MaxFragments)
	}

	s.mu.Lock()
	frameIndex := s.frameIndex
	s.frameIndex++ // uint16, оборачивается по модулю 65536 сам
	s.mu.Unlock()

	pkts := make([]*packet.Packet, 0, totalParts+s.parityShards)
	for i := 0; i < totalParts; i++ {
		start := i * config.MTUPayload
		end := min(start+config.MTUPayload, len(payload))
		chunk := append([]byte(nil), payload[start:end]...)
		pkts = append(pkts, &packet.Packet{
			Type:       packet.TypeVideoFragment,
			FrameIndex: frameIndex,
			PartIndex:  uint8(i),
			TotalParts: uint8(totalParts),
			Payload:    chunk,
		})
	}

	if s.parityShards > 0 {
		parity, err := s.encodeParity(frameIndex, payload, totalParts)
		if err != nil {
			// FEC - best effort: кадр уходит и без parity
			log.Printf("[TX] parity encode failed for frame %d: %v", frameIndex, err)
		} else {
			pkts = append(pkts, parity...)
		}
	}

	return pkts, nil
}

// encodeParity считает Reed-Solomon parity над фрагментами кадра,
// паддированными до полного MTU payload. Приемники без поддержки FEC
// отбрасывают неизвестный тип пакета и работают как раньше
func (s *Sender) encodeParity(frameIndex uint16, payload []byte, totalParts int) ([]*packet.Packet, error) {
	enc, err := rs.New(totalParts, s.parityShards)
	if err != nil {
		return nil, err
	}

	shards := make([][]byte, totalParts+s.parityShards)
	for i := 0; i < totalParts; i++ {
		sh := make([]byte, config.MTUPayload)
		start := i * config.MTUPayload
		end := min(start+config.MTUPayload, len(payload))
		copy(sh, payload[start:end])
		shards[i] = sh
	}
	for i := totalParts; i < len(shards); i++ {
		shards[i] = make([]byte, config.MTUPayload)
	}

	if err := enc.Encode(shards); err != nil {
		return nil, err
	}

	pkts := make([]*packet.Packet, 0, s.parityShards)
	for i := 0; i < s.parityShards; i++ {
		pkts = append(pkts, &packet.Packet{
			Type:        packet.TypeVideoParity,
			FrameIndex:  frameIndex,
			PartIndex:   uint8(i),
			TotalParts:  uint8(totalParts),
			ParityParts: uint8(s.parityShards),
			FrameBytes:  uint32(len(payload)),
			Payload:     shards[totalParts+i],
		})
	}
	return pkts, nil
}

// announce переотправляет текущие метаданные и последние config blob'ы.
// Вызывается при выучивании нового endpoint'а: переподключившийся клиент
// не должен ждать следующего keyframe'а чтобы начать декодировать
func (s *Sender) announce() {
	s.mu.Lock()
	haveMeta, meta := s.haveMeta, s.meta
	videoCfg := s.lastVideoConfig
	audioCfg := s.lastAudioConfig
	s.mu.Unlock()

	if haveMeta {
		s.control.Put(&packet.Packet{Type: packet.TypeMeta, Width: meta.Width, Height: meta.Height})
	}
	if videoCfg != nil {
		s.control.Put(&packet.Packet{Type: packet.TypeVideoConfig, Payload: videoCfg})
	}
	if audioCfg != nil {
		s.control.Put(&packet.Packet{Type: packet.TypeAudioConfig, Payload: audioCfg})
	}
}

// learnLoop выучивает endpoint клиента из входящих датаграмм.
// Любая датаграмма с нового адреса перепривязывает endpoint (last writer
// wins) и запускает переанонс метаданных и config'ов
func (s *Sender) learnLoop() {
	defer s.wg.Done()
	buf := make([]byte, 2048)

	for !s.stopped() {
		s.conn.SetReadDeadline(timeNowAdd(config.ReadPollTimeout))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue // просто очередная проверка флага завершения
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[TX] endpoint read error: %v", err)
			continue
		}

		if n >= 1 && buf[0] == packet.TypeHeartbeat {
			metrics.PromHeartbeats.Inc()
		}

		if s.endpoint.Set(addr) {
			log.Printf("[TX] client endpoint learned: %s", addr)
			metrics.PromEndpointChanges.Inc()
			metrics.PromEndpointKnown.Set(1)
			s.announce()
		}
	}
}

// sendLoop - единственный цикл отправки: блокирующее взятие из исходящей
// очереди, сериализация, передача текущему endpoint'у. Control пакеты
// выгребаются первыми - переанонс не должен стоять за кадрами.
// Пока endpoint неизвестен, пакеты просто отбрасываются, не копятся
func (s *Sender) sendLoop() {
	defer s.wg.Done()

	for {
		for {
			pkt, ok := s.control.Take(0)
			if !ok {
				break
			}
			s.transmit(pkt)
		}

		pkt, ok := s.outbound.Take(config.QueuePollTimeout)
		if s.stopped() {
			return
		}
		if !ok {
			continue
		}
		s.transmit(pkt)
	}
}

// transmit отправляет один пакет текущему endpoint'у.
// Вызывается только из sendLoop (sendErrors не разделяется)
func (s *Sender) transmit(pkt *packet.Packet) {
	ep := s.endpoint.Get()
	if ep == nil {
		metrics.PromTxNoEndpoint.Inc()
		atomic.AddUint64(&utils.GlobalServerStats.DroppedNoPeer, 1)
		utils.DebugLog("[TX] no endpoint, packet type %d dropped", pkt.Type)
		return
	}

	b := pkt.Marshal()
	if _, err := s.conn.WriteToUDP(b, ep); err != nil {
		// Endpoint может быть временно недостижим - следующий heartbeat
		// его переустановит; цикл не останавливается
		s.sendErrors++
		if s.sendErrors <= sendErrorLogLimit {
			log.Printf("[TX] send to %s: %v", ep, err)
		} else if s.sendErrors == sendErrorLogLimit+1 {
			log.Printf("[TX] suppressing further send errors")
		}
		return
	}
	s.sendErrors = 0
	metrics.PromTxPackets.Inc()
	metrics.PromTxBytes.Add(float64(len(b)))
}
