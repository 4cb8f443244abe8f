package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"screenshare/internal/config"
)

// Типы пакетов на проводе. Первый байт каждой датаграммы
const (
	TypeMeta          byte = 0    // метаданные потока (width/height)
	TypeVideoFragment byte = 1    // фрагмент видео access unit'а
	TypeVideoConfig   byte = 2    // конфигурация видео декодера (целиком)
	TypeAudioData     byte = 3    // аудио access unit (без фрагментации)
	TypeAudioConfig   byte = 4    // конфигурация аудио декодера (целиком)
	TypeVideoParity   byte = 5    // Reed-Solomon parity шард (опциональное расширение)
	TypeHeartbeat     byte = 0xFF // heartbeat / endpoint learning ping
)

// Размеры заголовков по типам (включая байт типа)
const (
	metaLen         = 9  // type + int32 width + int32 height
	fragmentHdrLen  = 5  // type + uint16 frameIndex + partIndex + totalParts
	parityHdrLen    = 10 // type + uint16 frameIndex + shardIndex + dataParts + parityParts + uint32 frameBytes
	heartbeatLen    = 2  // type + 1 игнорируемый байт
	blobHdrLen      = 1  // type, остальное - blob
)

// ErrTooShort возвращается когда датаграмма короче минимальной длины своего типа
// Такой пакет отбрасывается целиком, частичная интерпретация запрещена
var ErrTooShort = errors.New("packet too short")

// ErrUnknownType возвращается для неизвестного байта типа
// Вызывающий код отбрасывает такие пакеты молча (forward compatibility)
var ErrUnknownType = errors.New("unknown packet type")

// Packet представляет одну датаграмму протокола
// Заполненность полей зависит от Type; Payload для META и HEARTBEAT пуст
type Packet struct {
	Type byte

	// META
	Width  int32
	Height int32

	// VIDEO_FRAGMENT и VIDEO_PARITY
	FrameIndex uint16
	PartIndex  uint8 // для parity - индекс шарда среди parity шардов
	TotalParts uint8 // для parity - количество data шардов

	// Только VIDEO_PARITY
	ParityParts uint8
	FrameBytes  uint32 // исходный размер кадра до паддинга шардов

	Payload []byte
}

// Marshal сериализует пакет в байтовый массив для передачи по UDP
// Использует big-endian для совместимости между архитектурами
func (p *Packet) Marshal() []byte {
	switch p.Type {
	case TypeMeta:
		buf := make([]byte, metaLen)
		buf[0] = TypeMeta
		binary.BigEndian.PutUint32(buf[1:5], uint32(p.Width))
		binary.BigEndian.PutUint32(buf[5:9], uint32(p.Height))
		return buf

	case TypeVideoFragment:
		buf := make([]byte, fragmentHdrLen+len(p.Payload))
		buf[0] = TypeVideoFragment
		binary.BigEndian.PutUint16(buf[1:3], p.FrameIndex)
		buf[3] = p.PartIndex
		buf[4] = p.TotalParts
		copy(buf[fragmentHdrLen:], p.Payload)
		return buf

	case TypeVideoParity:
		buf := make([]byte, parityHdrLen+len(p.Payload))
		buf[0] = TypeVideoParity
		binary.BigEndian.PutUint16(buf[1:3], p.FrameIndex)
		buf[3] = p.PartIndex
		buf[4] = p.TotalParts
		buf[5] = p.ParityParts
		binary.BigEndian.PutUint32(buf[6:10], p.FrameBytes)
		copy(buf[parityHdrLen:], p.Payload)
		return buf

	case TypeHeartbeat:
		return []byte{TypeHeartbeat, 0}

	default:
		// VIDEO_CONFIG, AUDIO_DATA, AUDIO_CONFIG: тип + blob
		buf := make([]byte, blobHdrLen+len(p.Payload))
		buf[0] = p.Type
		copy(buf[blobHdrLen:], p.Payload)
		return buf
	}
}

// Unmarshal десериализует байтовый массив обратно в структуру Packet
// Payload копируется, буфер можно переиспользовать сразу после вызова
func Unmarshal(b []byte) (*Packet, error) {
	if len(b) < 1 {
		return nil, ErrTooShort
	}

	p := &Packet{Type: b[0]}

	switch p.Type {
	case TypeMeta:
		if len(b) < metaLen {
			return nil, fmt.Errorf("%w: META got %d, need %d", ErrTooShort, len(b), metaLen)
		}
		p.Width = int32(binary.BigEndian.Uint32(b[1:5]))
		p.Height = int32(binary.BigEndian.Uint32(b[5:9]))

	case TypeVideoFragment:
		if len(b) < fragmentHdrLen {
			return nil, fmt.Errorf("%w: VIDEO_FRAGMENT got %d, need %d", ErrTooShort, len(b), fragmentHdrLen)
		}
		p.FrameIndex = binary.BigEndian.Uint16(b[1:3])
		p.PartIndex = b[3]
		p.TotalParts = b[4]
		p.Payload = append([]byte(nil), b[fragmentHdrLen:]...)

	case TypeVideoParity:
		if len(b) < parityHdrLen {
			return nil, fmt.Errorf("%w: VIDEO_PARITY got %d, need %d", ErrTooShort, len(b), parityHdrLen)
		}
		p.FrameIndex = binary.BigEndian.Uint16(b[1:3])
		p.PartIndex = b[3]
		p.TotalParts = b[4]
		p.ParityParts = b[5]
		p.FrameBytes = binary.BigEndian.Uint32(b[6:10])
		p.Payload = append([]byte(nil), b[parityHdrLen:]...)

	case TypeVideoConfig, TypeAudioData, TypeAudioConfig:
		p.Payload = append([]byte(nil), b[blobHdrLen:]...)

	case TypeHeartbeat:
		if len(b) < heartbeatLen {
			return nil, fmt.Errorf("%w: HEARTBEAT got %d, need %d", ErrTooShort, len(b), heartbeatLen)
		}
		// значение payload байта игнорируется

	default:
		return nil, ErrUnknownType
	}

	return p, nil
}

// MaxPayload возвращает максимальный размер access unit'а который можно
// упаковать во фрагменты (totalParts занимает один байт)
func MaxPayload() int {
	return config.MaxFragments * config.MTUPayload
}
