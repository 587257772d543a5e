package engine

// Pair is one stored key and its value.
type Pair struct {
	Key   []byte
	Value []byte
}

// Modify is a single write of a batch. A Modify with Delete set removes Key.
type Modify struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Store is the persistence layer under the engine. Implementations must apply a Write batch atomically.
type Store interface {
	// Get returns nil with no error when the key does not exist.
	Get(key []byte) ([]byte, error)
	Write(batch []Modify) error
	// Scan returns at most limit pairs with start <= key < end, in key order. A nil end means no upper bound.
	// Returned keys and values are owned by the caller.
	Scan(start, end []byte, limit int) ([]Pair, error)
	Close() error
}

const (
	rowPrefix   byte = 't'
	indexPrefix byte = 'i'
	linkPrefix  byte = 'l'
	seqPrefix   byte = 's'
	sep         byte = 0
)

func tablePrefix(table string) []byte {
	buf := make([]byte, 0, len(table)+2)
	buf = append(buf, rowPrefix)
	buf = append(buf, table...)
	return append(buf, sep)
}

func rowKey(table string, key []byte) []byte {
	return append(tablePrefix(table), key...)
}

// indexKey maps a unique index value to the row key that owns it.
func indexKey(table, index string, value []byte) []byte {
	buf := make([]byte, 0, len(table)+len(index)+len(value)+3)
	buf = append(buf, indexPrefix)
	buf = append(buf, table...)
	buf = append(buf, sep)
	buf = append(buf, index...)
	buf = append(buf, sep)
	return append(buf, value...)
}

// linkKey records the index key currently owned by a row.
func linkKey(row []byte) []byte {
	buf := make([]byte, 0, len(row)+1)
	buf = append(buf, linkPrefix)
	return append(buf, row...)
}

func seqKey(table string) []byte {
	buf := make([]byte, 0, len(table)+1)
	buf = append(buf, seqPrefix)
	return append(buf, table...)
}

// prefixEnd returns the smallest key greater than every key with the given prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
