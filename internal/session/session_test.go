package session

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"
	"time"

	"screenshare/internal/buffer"
	"screenshare/internal/config"
	"screenshare/internal/media"
	"screenshare/internal/packet"
	"screenshare/internal/udp"
)

func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + n)
	}
	return p
}

func TestPacketizeFragmentCount(t *testing.T) {
	cases := []struct {
		size  int
		parts int
	}{
		{0, 1}, // пустой кадр существует на проводе как один пустой фрагмент
		{1, 1},
		{config.MTUPayload - 1, 1},
		{config.MTUPayload, 1},
		{config.MTUPayload + 1, 2},
		{255 * config.MTUPayload, 255},
	}

	s, err := NewSender(nil, 0)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	for _, c := range cases {
		pkts, err := s.packetizeVideo(testPayload(c.size))
		if err != nil {
			t.Fatalf("size %d: %v", c.size, err)
		}
		if len(pkts) != c.parts {
			t.Fatalf("size %d: %d fragments, expected %d", c.size, len(pkts), c.parts)
		}
		for i, p := range pkts {
			if p.Type != packet.TypeVideoFragment {
				t.Fatalf("size %d: packet %d has type %d", c.size, i, p.Type)
			}
			if int(p.PartIndex) != i || int(p.TotalParts) != c.parts {
				t.Fatalf("size %d: packet %d indexed %d/%d", c.size, i, p.PartIndex, p.TotalParts)
			}
			if len(p.Payload) > config.MTUPayload {
				t.Fatalf("size %d: fragment %d exceeds MTU payload (%d bytes)", c.size, i, len(p.Payload))
			}
		}
	}
}

func TestPacketizeOversizedRejected(t *testing.T) {
	s, _ := NewSender(nil, 0)
	if _, err := s.packetizeVideo(make([]byte, 255*config.MTUPayload+1)); err == nil {
		t.Fatal("access unit above 255 fragments must be rejected, not truncated")
	}
}

func TestFrameIndexIncrementsPerUnit(t *testing.T) {
	s, _ := NewSender(nil, 0)

	big, _ := s.packetizeVideo(testPayload(3 * config.MTUPayload)) // 3 фрагмента
	small, _ := s.packetizeVideo(testPayload(10))                  // 1 фрагмент

	for _, p := range big {
		if p.FrameIndex != 0 {
			t.Fatalf("all fragments of one unit must share frameIndex, got %d", p.FrameIndex)
		}
	}
	// Индекс растет на единицу за access unit, не за фрагмент
	if small[0].FrameIndex != 1 {
		t.Fatalf("second unit has frameIndex %d, expected 1", small[0].FrameIndex)
	}
}

func TestFrameIndexWraps(t *testing.T) {
	s, _ := NewSender(nil, 0)
	s.frameIndex = 65535

	a, _ := s.packetizeVideo(testPayload(5))
	b, _ := s.packetizeVideo(testPayload(5))
	if a[0].FrameIndex != 65535 || b[0].FrameIndex != 0 {
		t.Fatalf("frameIndex must wrap mod 65536: got %d then %d", a[0].FrameIndex, b[0].FrameIndex)
	}
}

func TestPacketizeReassembleRoundTrip(t *testing.T) {
	sizes := []int{0, 1, config.MTUPayload - 1, config.MTUPayload, config.MTUPayload + 1, 255 * config.MTUPayload}
	rnd := rand.New(rand.NewSource(1))

	for _, size := range sizes {
		s, _ := NewSender(nil, 0)
		payload := testPayload(size)
		pkts, err := s.packetizeVideo(payload)
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}

		// Сборка не зависит от порядка доставки
		rnd.Shuffle(len(pkts), func(i, j int) { pkts[i], pkts[j] = pkts[j], pkts[i] })

		r := buffer.NewReassembler()
		var got []byte
		for _, p := range pkts {
			if out := r.AddFragment(p.FrameIndex, p.PartIndex, p.TotalParts, p.Payload); out != nil {
				if got != nil {
					t.Fatalf("size %d: frame emitted twice", size)
				}
				got = out
			}
		}
		if got == nil {
			t.Fatalf("size %d: frame never completed", size)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("size %d: reassembled bytes differ", size)
		}
	}
}

func TestPacketizeWithParity(t *testing.T) {
	s, err := NewSender(nil, 2)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	payload := testPayload(3000)
	pkts, err := s.packetizeVideo(payload)
	if err != nil {
		t.Fatalf("packetize: %v", err)
	}
	if len(pkts) != 3+2 {
		t.Fatalf("expected 3 fragments + 2 parity shards, got %d packets", len(pkts))
	}

	// Теряем один data фрагмент - parity восстанавливает кадр
	r := buffer.NewReassembler()
	var got []byte
	for _, p := range pkts {
		if p.Type == packet.TypeVideoFragment && p.PartIndex == 1 {
			continue // lost
		}
		var out []byte
		switch p.Type {
		case packet.TypeVideoFragment:
			out = r.AddFragment(p.FrameIndex, p.PartIndex, p.TotalParts, p.Payload)
		case packet.TypeVideoParity:
			out = r.AddParity(p.FrameIndex, p.PartIndex, p.TotalParts, p.ParityParts, p.FrameBytes, p.Payload)
		}
		if out != nil {
			got = out
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("frame not recovered from parity after fragment loss")
	}
}

// recordDecoder записывает все вызовы для проверок в тестах
type recordDecoder struct {
	mu      sync.Mutex
	configs [][]byte
	frames  [][]byte
	closed  bool
}

func (d *recordDecoder) Configure(blob []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configs = append(d.configs, append([]byte(nil), blob...))
	return nil
}

func (d *recordDecoder) Decode(payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, append([]byte(nil), payload...))
	return nil
}

func (d *recordDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *recordDecoder) frameCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

func (d *recordDecoder) firstFrame() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) == 0 {
		return nil
	}
	return d.frames[0]
}

func (d *recordDecoder) firstConfig() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.configs) == 0 {
		return nil
	}
	return d.configs[0]
}

func (d *recordDecoder) wasClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// TestLoopbackSession гоняет полную сессию через реальные UDP сокеты:
// heartbeat -> endpoint learning -> переанонс метаданных и config'а ->
// фрагментация -> сборка -> диспетчеризация в декодер
func TestLoopbackSession(t *testing.T) {
	serverConn, err := udp.NewMediaConn("127.0.0.1:0")
	if err != nil {
		t.Fatalf("server socket: %v", err)
	}

	sender, err := NewSender(serverConn, 0)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	sender.Start()
	defer sender.Stop()

	sender.SetMetadata(media.Metadata{Width: 640, Height: 480})
	sender.SendVideoConfig([]byte("vcfg"))
	sender.SendAudioConfig([]byte("acfg"))

	clientConn, err := udp.DialMediaConn(serverConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}

	videoDec := &recordDecoder{}
	audioDec := &recordDecoder{}
	receiver := NewReceiver(clientConn,
		func(media.Metadata) (media.Decoder, error) { return videoDec, nil },
		func(media.Metadata) (media.Decoder, error) { return audioDec, nil },
	)
	receiver.Start()
	defer receiver.Stop()

	// Кормим кадры пока декодер их не увидит: первые уходят в никуда,
	// пока heartbeat не долетел и endpoint не выучен
	payload := testPayload(3000)
	deadline := time.Now().Add(10 * time.Second)
	for videoDec.frameCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("video frame never reached the decoder")
		}
		if err := sender.SendVideo(payload); err != nil {
			t.Fatalf("send video: %v", err)
		}
		if err := sender.SendAudio([]byte("audio-frame")); err != nil {
			t.Fatalf("send audio: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if got := videoDec.firstFrame(); !bytes.Equal(got, payload) {
		t.Fatalf("decoder got %d bytes, frame differs from original", len(got))
	}

	deadline = time.Now().Add(5 * time.Second)
	for audioDec.frameCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("audio frame never reached the decoder")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := audioDec.firstFrame(); !bytes.Equal(got, []byte("audio-frame")) {
		t.Fatal("audio frame corrupted in transit")
	}
}

// TestMetaChangeRebuildsDecoder проверяет смену разрешения посреди сессии:
// старый декодер закрывается, фабрика строит новый, закешированный config
// переприменяется и кадры продолжают идти без нового анонса config'а
func TestMetaChangeRebuildsDecoder(t *testing.T) {
	serverConn, err := udp.NewMediaConn("127.0.0.1:0")
	if err != nil {
		t.Fatalf("server socket: %v", err)
	}
	sender, err := NewSender(serverConn, 0)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	sender.Start()
	defer sender.Stop()
	sender.SetMetadata(media.Metadata{Width: 640, Height: 480})
	sender.SendVideoConfig([]byte("vcfg"))

	clientConn, err := udp.DialMediaConn(serverConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}

	var mu sync.Mutex
	var decoders []*recordDecoder
	videoFactory := func(media.Metadata) (media.Decoder, error) {
		d := &recordDecoder{}
		mu.Lock()
		decoders = append(decoders, d)
		mu.Unlock()
		return d, nil
	}
	nth := func(i int) *recordDecoder {
		mu.Lock()
		defer mu.Unlock()
		if len(decoders) <= i {
			return nil
		}
		return decoders[i]
	}

	receiver := NewReceiver(clientConn, videoFactory,
		func(media.Metadata) (media.Decoder, error) { return &recordDecoder{}, nil },
	)
	receiver.Start()
	defer receiver.Stop()

	payload := testPayload(2000)
	deadline := time.Now().Add(10 * time.Second)
	for d := nth(0); d == nil || d.frameCount() == 0; d = nth(0) {
		if time.Now().After(deadline) {
			t.Fatal("stream never reached the first decoder")
		}
		if err := sender.SendVideo(payload); err != nil {
			t.Fatalf("send: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Поворот экрана: новые метаданные без нового config'а
	sender.SetMetadata(media.Metadata{Width: 480, Height: 640})

	deadline = time.Now().Add(10 * time.Second)
	for d := nth(1); d == nil || d.frameCount() == 0; d = nth(1) {
		if time.Now().After(deadline) {
			t.Fatal("frames never resumed on the rebuilt decoder")
		}
		if err := sender.SendVideo(payload); err != nil {
			t.Fatalf("send: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if !nth(0).wasClosed() {
		t.Fatal("old decoder must be closed on metadata change")
	}
	if got := nth(1).firstConfig(); !bytes.Equal(got, []byte("vcfg")) {
		t.Fatalf("rebuilt decoder got config %q, expected cached vcfg", got)
	}
}

// TestFrameBeforeConfigDropped гоняет цикл диспетчеризации напрямую через
// очереди: кадр до получения config'а молча отбрасывается и декодеру не
// предъявляется, кадр после - декодируется
func TestFrameBeforeConfigDropped(t *testing.T) {
	peer, err := udp.NewMediaConn("127.0.0.1:0")
	if err != nil {
		t.Fatalf("peer socket: %v", err)
	}
	defer peer.Close()
	conn, err := udp.DialMediaConn(peer.LocalAddr().String())
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}

	dec := &recordDecoder{}
	r := NewReceiver(conn,
		func(media.Metadata) (media.Decoder, error) { return dec, nil },
		func(media.Metadata) (media.Decoder, error) { return &recordDecoder{}, nil },
	)
	r.Start()
	defer r.Stop()

	r.videoCtrl.Put(task{kind: taskSetup, meta: media.Metadata{Width: 320, Height: 240}})

	// Дожидаемся setup'а прежде чем класть кадр: иначе цикл мог бы взять
	// кадр первым и тест проверял бы не тот порядок
	waitFor := func(cond func() bool, what string) {
		deadline := time.Now().Add(5 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s", what)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	waitFor(func() bool { return r.videoCtrl.Len() == 0 }, "decoder setup")

	r.videoData.Put(task{kind: taskData, payload: []byte("early")})
	waitFor(func() bool { return r.videoData.Len() == 0 }, "early frame consumption")
	if dec.frameCount() != 0 {
		t.Fatal("frame before config must be dropped, not decoded")
	}

	r.videoCtrl.Put(task{kind: taskConfig, payload: []byte("cfg")})
	waitFor(func() bool { return dec.firstConfig() != nil }, "config application")

	r.videoData.Put(task{kind: taskData, payload: []byte("late")})
	waitFor(func() bool { return dec.frameCount() > 0 }, "frame after config")
	if got := dec.firstFrame(); !bytes.Equal(got, []byte("late")) {
		t.Fatalf("decoded %q, expected the post-config frame", got)
	}
}

// Control пакеты не конкурируют с кадрами за место в исходящей очереди
func TestControlAnnouncesSurviveOutboundSaturation(t *testing.T) {
	s, err := NewSender(nil, 0)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	// Насыщаем исходящую очередь далеко за емкость
	payload := testPayload(100)
	for i := 0; i < config.OutboundQueueCap*2; i++ {
		if err := s.SendVideo(payload); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	s.SetMetadata(media.Metadata{Width: 640, Height: 480})
	s.SendVideoConfig([]byte("v"))
	s.SendAudioConfig([]byte("a"))

	// И еще волна кадров после анонсов
	for i := 0; i < config.OutboundQueueCap; i++ {
		s.SendVideo(payload)
	}

	if got := s.control.Len(); got != 3 {
		t.Fatalf("control queue holds %d packets, expected META + 2 configs", got)
	}
	if got := s.outbound.Len(); got != config.OutboundQueueCap {
		t.Fatalf("outbound queue holds %d, expected cap %d", got, config.OutboundQueueCap)
	}
}

func TestReceiverStopClearsQueues(t *testing.T) {
	peer, err := udp.NewMediaConn("127.0.0.1:0")
	if err != nil {
		t.Fatalf("peer socket: %v", err)
	}
	defer peer.Close()
	conn, err := udp.DialMediaConn(peer.LocalAddr().String())
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}

	r := NewReceiver(conn,
		func(media.Metadata) (media.Decoder, error) { return &recordDecoder{}, nil },
		func(media.Metadata) (media.Decoder, error) { return &recordDecoder{}, nil },
	)

	r.videoCtrl.Put(task{kind: taskConfig, payload: []byte("v")})
	r.videoData.Put(task{kind: taskData, payload: []byte("f")})
	r.audioCtrl.Put(task{kind: taskConfig, payload: []byte("a")})
	r.audioData.Put(task{kind: taskData, payload: []byte("s")})

	r.Stop()

	for _, q := range []*buffer.DispatchQueue[task]{r.videoCtrl, r.videoData, r.audioCtrl, r.audioData} {
		if q.Len() != 0 {
			t.Fatal("all dispatch queues must be empty after Stop")
		}
	}
}

func TestSenderDropsWithoutEndpoint(t *testing.T) {
	conn, err := udp.NewMediaConn("127.0.0.1:0")
	if err != nil {
		t.Fatalf("socket: %v", err)
	}

	sender, err := NewSender(conn, 0)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	sender.Start()

	// Без известного endpoint'а отправка - no-op, не ошибка и не блокировка
	for i := 0; i < 100; i++ {
		if err := sender.SendVideo(testPayload(5000)); err != nil {
			t.Fatalf("send without endpoint: %v", err)
		}
	}
	sender.Stop()
}

func TestAudioOversizedRejected(t *testing.T) {
	s, _ := NewSender(nil, 0)
	if err := s.SendAudio(make([]byte, config.MTUPayload+1)); err == nil {
		t.Fatal("oversized audio frame must be rejected, audio is not fragmented")
	}
}

func TestEndpointRelearningKeepsFrameFlow(t *testing.T) {
	// Повторные heartbeat'ы с того же адреса не должны дергать переанонс
	// и не должны мешать потоку кадров
	serverConn, err := udp.NewMediaConn("127.0.0.1:0")
	if err != nil {
		t.Fatalf("server socket: %v", err)
	}
	sender, err := NewSender(serverConn, 0)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	sender.Start()
	defer sender.Stop()
	sender.SetMetadata(media.Metadata{Width: 320, Height: 240})
	sender.SendVideoConfig([]byte("v"))

	clientConn, err := udp.DialMediaConn(serverConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}
	videoDec := &recordDecoder{}
	receiver := NewReceiver(clientConn,
		func(media.Metadata) (media.Decoder, error) { return videoDec, nil },
		func(media.Metadata) (media.Decoder, error) { return &recordDecoder{}, nil },
	)
	receiver.Start()
	defer receiver.Stop()

	deadline := time.Now().Add(10 * time.Second)
	sent := 0
	for videoDec.frameCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d frames decoded after %d sends", videoDec.frameCount(), sent)
		}
		if err := sender.SendVideo(testPayload(2000)); err != nil {
			t.Fatalf("send: %v", err)
		}
		sent++
		time.Sleep(50 * time.Millisecond)
	}
}
