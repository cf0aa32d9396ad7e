package pageindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sushant-115/pagestore/core/storage_engine/pagefile"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/zeebo/blake3"
)

// --- Node Serialization/Deserialization ---

// Every node ends with the first 8 bytes of the blake3 sum of what precedes it.
const checksumSize = 8

const (
	flagRoot byte = 0
	flagLeaf byte = 1
)

type leafRef[K any] struct {
	id    pagemanager.PageID
	first K
}

// rootNode lists the leaves in key order together with their first keys.
type rootNode[K any] struct {
	count  uint64
	leaves []leafRef[K]
}

type entry[K any, V any] struct {
	key   K
	value V
}

// leafNode holds sorted entries.
type leafNode[K any, V any] struct {
	entries []entry[K, V]
}

func sealNode(buf *bytes.Buffer) []byte {
	sum := blake3.Sum256(buf.Bytes())
	buf.Write(sum[:checksumSize])
	return buf.Bytes()
}

// openNode verifies the trailer and returns a reader over the body.
func openNode(id pagemanager.PageID, data []byte, want byte) (*bytes.Reader, error) {
	if len(data) < 1+checksumSize {
		return nil, fmt.Errorf("%w: index node %d is %d bytes", flushmanager.ErrDeserialization, id, len(data))
	}
	body, trailer := data[:len(data)-checksumSize], data[len(data)-checksumSize:]
	sum := blake3.Sum256(body)
	if !bytes.Equal(sum[:checksumSize], trailer) {
		return nil, fmt.Errorf("%w: index node %d", flushmanager.ErrChecksumMismatch, id)
	}
	if body[0] != want {
		return nil, fmt.Errorf("%w: index node %d has flags %d, want %d", flushmanager.ErrDeserialization, id, body[0], want)
	}
	return bytes.NewReader(body[1:]), nil
}

func writeBlob16(buf *bytes.Buffer, b []byte) error {
	if len(b) > 0xFFFF {
		return fmt.Errorf("%w: key of %d bytes is too long", flushmanager.ErrSerialization, len(b))
	}
	binary.Write(buf, binary.LittleEndian, uint16(len(b)))
	buf.Write(b)
	return nil
}

func readBlob16(r *bytes.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func encodeRoot[K any](r *rootNode[K], keys pagefile.Codec[K]) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(flagRoot)
	binary.Write(buf, binary.LittleEndian, r.count)
	binary.Write(buf, binary.LittleEndian, uint32(len(r.leaves)))
	for _, ref := range r.leaves {
		binary.Write(buf, binary.LittleEndian, uint64(ref.id))
		keyData, err := keys.Encode(ref.first)
		if err != nil {
			return nil, fmt.Errorf("%w: serializing key: %v", flushmanager.ErrSerialization, err)
		}
		if err := writeBlob16(buf, keyData); err != nil {
			return nil, err
		}
	}
	return sealNode(buf), nil
}

func decodeRoot[K any](id pagemanager.PageID, data []byte, keys pagefile.Codec[K]) (*rootNode[K], error) {
	r, err := openNode(id, data, flagRoot)
	if err != nil {
		return nil, err
	}
	root := &rootNode[K]{}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &root.count); err != nil {
		return nil, fmt.Errorf("%w: reading entry count: %v", flushmanager.ErrDeserialization, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: reading leaf count: %v", flushmanager.ErrDeserialization, err)
	}
	root.leaves = make([]leafRef[K], n)
	for i := range root.leaves {
		var leafID uint64
		if err := binary.Read(r, binary.LittleEndian, &leafID); err != nil {
			return nil, fmt.Errorf("%w: reading leaf %d: %v", flushmanager.ErrDeserialization, i, err)
		}
		keyData, err := readBlob16(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading first key of leaf %d: %v", flushmanager.ErrDeserialization, i, err)
		}
		first, err := keys.Decode(keyData)
		if err != nil {
			return nil, fmt.Errorf("%w: deserializing key %d: %v", flushmanager.ErrDeserialization, i, err)
		}
		root.leaves[i] = leafRef[K]{id: pagemanager.PageID(leafID), first: first}
	}
	return root, nil
}

func encodeLeaf[K any, V any](l *leafNode[K, V], keys pagefile.Codec[K], values pagefile.Codec[V]) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(flagLeaf)
	binary.Write(buf, binary.LittleEndian, uint16(len(l.entries)))
	for _, e := range l.entries {
		keyData, err := keys.Encode(e.key)
		if err != nil {
			return nil, fmt.Errorf("%w: serializing key: %v", flushmanager.ErrSerialization, err)
		}
		if err := writeBlob16(buf, keyData); err != nil {
			return nil, err
		}
		valData, err := values.Encode(e.value)
		if err != nil {
			return nil, fmt.Errorf("%w: serializing value: %v", flushmanager.ErrSerialization, err)
		}
		binary.Write(buf, binary.LittleEndian, uint32(len(valData)))
		buf.Write(valData)
	}
	return sealNode(buf), nil
}

func decodeLeaf[K any, V any](id pagemanager.PageID, data []byte, keys pagefile.Codec[K], values pagefile.Codec[V]) (*leafNode[K, V], error) {
	r, err := openNode(id, data, flagLeaf)
	if err != nil {
		return nil, err
	}
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: reading numKeys: %v", flushmanager.ErrDeserialization, err)
	}
	leaf := &leafNode[K, V]{entries: make([]entry[K, V], n)}
	for i := range leaf.entries {
		keyData, err := readBlob16(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading key %d: %v", flushmanager.ErrDeserialization, i, err)
		}
		key, err := keys.Decode(keyData)
		if err != nil {
			return nil, fmt.Errorf("%w: deserializing key %d: %v", flushmanager.ErrDeserialization, i, err)
		}
		var valLen uint32
		if err := binary.Read(r, binary.LittleEndian, &valLen); err != nil {
			return nil, fmt.Errorf("%w: reading value length %d: %v", flushmanager.ErrDeserialization, i, err)
		}
		valData := make([]byte, valLen)
		if _, err := io.ReadFull(r, valData); err != nil {
			return nil, fmt.Errorf("%w: reading value %d: %v", flushmanager.ErrDeserialization, i, err)
		}
		value, err := values.Decode(valData)
		if err != nil {
			return nil, fmt.Errorf("%w: deserializing value %d: %v", flushmanager.ErrDeserialization, i, err)
		}
		leaf.entries[i] = entry[K, V]{key: key, value: value}
	}
	return leaf, nil
}
