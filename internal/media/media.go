// Package media объявляет типы, которые проходят через транспорт:
// access unit'ы от внешнего энкодера и контракт внешнего декодера.
package media

// Kind различает конфигурационные blob'ы и данные
type Kind uint8

const (
	KindConfig Kind = iota // одноразовая конфигурация декодера (parameter sets)
	KindData               // закодированный кадр видео или аудио
)

// AccessUnit - один полный закодированный кадр (видео или аудио)
// до сетевой фрагментации, либо config blob
type AccessUnit struct {
	Kind    Kind
	Payload []byte
}

// Metadata описывает источник видео. Изменение (например при повороте
// экрана) инвалидирует декодер приемника и должно быть переанонсировано
type Metadata struct {
	Width  int32
	Height int32
}

// Decoder - внешний декодер, принимающий собранные access unit'ы.
// Каждый цикл диспетчеризации владеет ровно одним экземпляром
type Decoder interface {
	// Configure передает декодеру config blob (parameter sets)
	Configure(blob []byte) error
	// Decode передает декодеру собранный access unit для воспроизведения
	Decode(payload []byte) error
	// Close освобождает ресурсы декодера
	Close() error
}

// DecoderFactory создает новый декодер под (возможно изменившиеся)
// размеры источника. Вызывается циклом диспетчеризации на setup задаче
type DecoderFactory func(meta Metadata) (Decoder, error)
