package buffer

import (
	"sync/atomic"

	rs "github.com/klauspost/reedsolomon"

	"screenshare/internal/config"
	"screenshare/internal/metrics"
	"screenshare/internal/utils"
)

// Reassembler собирает видео access unit'ы из фрагментов.
// Держит состояние максимум одного кадра "в полете": фрагмент более нового
// frameIndex безусловно выбрасывает накопленный неполный кадр, фрагмент
// более старого (запоздавшая доставка) игнорируется. Порядок доставки не
// важен - фрагменты адресуются явным partIndex.
//
// Владелец - единственная goroutine читающая сокет, поэтому без мьютекса.
type Reassembler struct {
	started    bool
	frameIndex uint16
	fragments  [][]byte // nil = фрагмент еще не получен
	received   int
	total      int

	done      bool // хотя бы один кадр уже выдан
	doneIndex uint16

	// Состояние parity восстановления (только при включенном FEC у отправителя)
	parity       [][]byte // parity шарды по индексу
	parityGot    int
	parityShards int
	frameBytes   int // исходный размер кадра, приходит в parity пакете
}

// NewReassembler создает пустой Reassembler
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// AddFragment обрабатывает один VIDEO_FRAGMENT.
// Возвращает собранный кадр когда получен последний недостающий фрагмент,
// иначе nil. Дубликат по partIndex игнорируется (повторная доставка
// безопасна). totalParts == 0 - битый пакет, отбрасывается
func (r *Reassembler) AddFragment(frameIndex uint16, partIndex, totalParts uint8, payload []byte) []byte {
	if totalParts == 0 || int(partIndex) >= int(totalParts) {
		utils.DebugLog("[REASM] invalid fragment: frame=%d part=%d/%d", frameIndex, partIndex, totalParts)
		return nil
	}

	if !r.ensureFrame(frameIndex, int(totalParts)) {
		return nil
	}

	if r.fragments[partIndex] != nil {
		utils.DebugLog("[REASM] frame %d: duplicate part %d ignored", frameIndex, partIndex)
		return nil
	}

	// make вместо append: копия пустого фрагмента должна остаться не-nil,
	// nil в fragments означает "еще не получен"
	frag := make([]byte, len(payload))
	copy(frag, payload)
	r.fragments[partIndex] = frag
	r.received++
	utils.DebugLog("[REASM] frame %d: part %d/%d received (%d/%d)",
		frameIndex, partIndex, totalParts, r.received, r.total)

	if r.received == r.total {
		return r.completeDirect()
	}
	return r.tryParityRecovery()
}

// AddParity обрабатывает один VIDEO_PARITY шард (расширение протокола).
// dataParts здесь - количество data шардов кадра, frameBytes - его
// исходная длина до паддинга
func (r *Reassembler) AddParity(frameIndex uint16, shardIndex, dataParts, parityParts uint8, frameBytes uint32, payload []byte) []byte {
	if dataParts == 0 || parityParts == 0 || int(shardIndex) >= int(parityParts) {
		utils.DebugLog("[REASM] invalid parity shard: frame=%d shard=%d", frameIndex, shardIndex)
		return nil
	}
	if len(payload) != config.MTUPayload {
		// parity шарды всегда размером в полный MTU payload
		utils.DebugLog("[REASM] parity shard size %d != %d, discarded", len(payload), config.MTUPayload)
		return nil
	}

	if !r.ensureFrame(frameIndex, int(dataParts)) {
		return nil
	}

	if r.parity == nil {
		r.parity = make([][]byte, parityParts)
		r.parityShards = int(parityParts)
		r.frameBytes = int(frameBytes)
	}
	if int(parityParts) != r.parityShards || r.parity[shardIndex] != nil {
		return nil
	}

	r.parity[shardIndex] = append([]byte(nil), payload...)
	r.parityGot++
	utils.DebugLog("[REASM] frame %d: parity shard %d/%d received", frameIndex, shardIndex, parityParts)

	return r.tryParityRecovery()
}

// ensureFrame переключает состояние на новый frameIndex.
// Возвращает false если пакет нужно проигнорировать: он относится к кадру
// старше текущего (запоздавшая доставка) или уже выданному, либо несет
// totalParts, противоречащий уже накопленному состоянию.
// Сравнение индексов учитывает wraparound по модулю 65536
func (r *Reassembler) ensureFrame(frameIndex uint16, total int) bool {
	if r.started {
		if frameIndex == r.frameIndex {
			return total == r.total
		}
		if int16(frameIndex-r.frameIndex) < 0 {
			utils.DebugLog("[REASM] late fragment for frame %d ignored (current %d)", frameIndex, r.frameIndex)
			return false
		}
		if r.received > 0 || r.parityGot > 0 {
			// Вытеснение неполного кадра - ожидаемое lossy поведение, не ошибка
			utils.DebugLog("[REASM] frame %d superseded by %d (%d/%d parts lost)",
				r.frameIndex, frameIndex, r.received, r.total)
			metrics.PromFramesSuperseded.Inc()
			atomic.AddUint64(&utils.GlobalClientStats.SupersededFrames, 1)
		}
	} else if r.done && int16(frameIndex-r.doneIndex) <= 0 {
		// Повторная доставка фрагментов уже собранного кадра
		utils.DebugLog("[REASM] fragment for completed frame %d ignored", frameIndex)
		return false
	}

	r.started = true
	r.frameIndex = frameIndex
	r.fragments = make([][]byte, total)
	r.received = 0
	r.total = total
	r.parity = nil
	r.parityGot = 0
	r.parityShards = 0
	r.frameBytes = 0
	return true
}

// completeDirect конкатенирует фрагменты 0..totalParts-1 по порядку
func (r *Reassembler) completeDirect() []byte {
	size := 0
	for _, f := range r.fragments {
		size += len(f)
	}
	out := make([]byte, 0, size)
	for _, f := range r.fragments {
		out = append(out, f...)
	}
	r.finish()
	metrics.PromFramesAssembled.Inc()
	return out
}

// tryParityRecovery пытается восстановить кадр через Reed-Solomon когда
// data+parity шардов достаточно, но часть data шардов потеряна
func (r *Reassembler) tryParityRecovery() []byte {
	if r.parityGot == 0 || r.received+r.parityGot < r.total {
		return nil
	}

	enc, err := rs.New(r.total, r.parityShards)
	if err != nil {
		utils.DebugLog("[REASM] rs init failed: %v", err)
		return nil
	}

	// Data шарды паддятся до полного MTU payload - так их кодировал отправитель
	shards := make([][]byte, r.total+r.parityShards)
	for i, f := range r.fragments {
		if f == nil {
			continue
		}
		sh := make([]byte, config.MTUPayload)
		copy(sh, f)
		shards[i] = sh
	}
	for i, p := range r.parity {
		if p != nil {
			shards[r.total+i] = p
		}
	}

	if err := enc.Reconstruct(shards); err != nil {
		utils.DebugLog("[REASM] rs reconstruct failed for frame %d: %v", r.frameIndex, err)
		return nil
	}

	out := make([]byte, 0, r.total*config.MTUPayload)
	for i := 0; i < r.total; i++ {
		out = append(out, shards[i]...)
	}
	// frameBytes пришел в parity пакете; срезаем паддинг последнего шарда
	if r.frameBytes <= len(out) {
		out = out[:r.frameBytes]
	}

	utils.DebugLog("[REASM] frame %d recovered via parity (%d data + %d parity shards)",
		r.frameIndex, r.received, r.parityGot)
	r.finish()
	metrics.PromFramesAssembled.Inc()
	metrics.PromFECRecovered.Inc()
	return out
}

// finish очищает состояние после выдачи собранного кадра
func (r *Reassembler) finish() {
	r.done = true
	r.doneIndex = r.frameIndex
	r.started = false
	r.fragments = nil
	r.received = 0
	r.total = 0
	r.parity = nil
	r.parityGot = 0
	r.parityShards = 0
	r.frameBytes = 0
}
