package pagemanager

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// --- Page Management ---

// ErrInvalidPageData is returned when a page image or payload cannot be
// encoded or decoded.
var ErrInvalidPageData = errors.New("invalid page data")

// PageID represents a unique identifier for a page on disk. Ids start at 0.
type PageID uint64

// InvalidPageID marks an absent page reference (e.g. no overflow successor).
const InvalidPageID PageID = ^PageID(0)

// PageType is the type tag stored in every page header.
type PageType byte

const (
	// PageTypeFree is the zero value so that zero-filled regions of the data
	// file decode as free pages.
	PageTypeFree PageType = iota
	// PageTypePart marks a page whose record continues in the page named by
	// its Next link.
	PageTypePart
	// PageTypeEnd marks the last (or only) page of a record.
	PageTypeEnd
)

func (t PageType) String() string {
	switch t {
	case PageTypeFree:
		return "free"
	case PageTypePart:
		return "part"
	case PageTypeEnd:
		return "end"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// PageHeaderSize is the encoded size of PageHeader at the start of every page:
// type (1) | txID (8) | next (8) | payload length (4).
const PageHeaderSize = 1 + 8 + 8 + 4

// PageHeader is the fixed prefix of every on-disk page.
type PageHeader struct {
	Type   PageType
	TxID   uint64
	Next   PageID
	Length uint32
}

// PayloadCapacity returns how many payload bytes fit in one page.
func PayloadCapacity(pageSize int) int {
	return pageSize - PageHeaderSize
}

// EncodeImage builds a full page image of pageSize bytes.
func EncodeImage(h PageHeader, payload []byte, pageSize int) ([]byte, error) {
	if len(payload) > PayloadCapacity(pageSize) {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds page capacity %d", ErrInvalidPageData, len(payload), PayloadCapacity(pageSize))
	}
	h.Length = uint32(len(payload))
	image := make([]byte, pageSize)
	image[0] = byte(h.Type)
	binary.BigEndian.PutUint64(image[1:9], h.TxID)
	binary.BigEndian.PutUint64(image[9:17], uint64(h.Next))
	binary.BigEndian.PutUint32(image[17:21], h.Length)
	copy(image[PageHeaderSize:], payload)
	return image, nil
}

// FreeImage returns the image written for a freed page.
func FreeImage(txID uint64, pageSize int) []byte {
	image, _ := EncodeImage(PageHeader{Type: PageTypeFree, TxID: txID, Next: InvalidPageID}, nil, pageSize)
	return image
}

// DecodeHeader reads the page header from a page image.
func DecodeHeader(image []byte) (PageHeader, error) {
	if len(image) < PageHeaderSize {
		return PageHeader{}, fmt.Errorf("%w: page image of %d bytes is shorter than its header", ErrInvalidPageData, len(image))
	}
	h := PageHeader{
		Type:   PageType(image[0]),
		TxID:   binary.BigEndian.Uint64(image[1:9]),
		Next:   PageID(binary.BigEndian.Uint64(image[9:17])),
		Length: binary.BigEndian.Uint32(image[17:21]),
	}
	if h.Type > PageTypeEnd {
		return PageHeader{}, fmt.Errorf("%w: unknown page type %d", ErrInvalidPageData, image[0])
	}
	if h.Type == PageTypeFree {
		// Never-written pages are all zeroes; a zero next means "none".
		h.Next = InvalidPageID
		h.Length = 0
	}
	if int(h.Length) > len(image)-PageHeaderSize {
		return PageHeader{}, fmt.Errorf("%w: payload length %d exceeds page", ErrInvalidPageData, h.Length)
	}
	return h, nil
}

// Payload returns the payload bytes of an image, sliced per its header.
func Payload(image []byte, h PageHeader) []byte {
	return image[PageHeaderSize : PageHeaderSize+int(h.Length)]
}

// SetNext rewrites the overflow link of an encoded image in place.
func SetNext(image []byte, next PageID) {
	binary.BigEndian.PutUint64(image[9:17], uint64(next))
}

// Page is the caller-facing view of a record rooted at one page id. Data holds
// the whole logical payload, which may span an overflow chain on disk.
type Page struct {
	id   PageID
	typ  PageType
	txID uint64
	data []byte
}

// NewPage creates a new Page instance.
func NewPage(id PageID, typ PageType, txID uint64, data []byte) *Page {
	return &Page{id: id, typ: typ, txID: txID, data: data}
}

func (p *Page) GetPageID() PageID { return p.id }
func (p *Page) GetType() PageType { return p.typ }
func (p *Page) GetTxID() uint64 { return p.txID }
func (p *Page) GetData() []byte { return p.data }
func (p *Page) SetData(data []byte) { p.data = data }
func (p *Page) IsFree() bool { return p.typ == PageTypeFree }

// SetType is used by the transaction once a payload has been staged.
func (p *Page) SetType(t PageType) { p.typ = t }
func (p *Page) SetTxID(id uint64) { p.txID = id }

func (p *Page) String() string {
	return fmt.Sprintf("Page{id: %d, type: %s, tx: %d, size: %d}", p.id, p.typ, p.txID, len(p.data))
}
