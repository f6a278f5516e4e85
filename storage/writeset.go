package storage

// WriteSet buffers the writes of a transaction for backends that apply them
// in one step on commit. The last write to a key wins.
type WriteSet struct {
	tables map[string]map[string]writeOp
}

type writeOp struct {
	value   []byte
	deleted bool
}

// NewWriteSet returns an empty write set.
func NewWriteSet() *WriteSet {
	return &WriteSet{tables: map[string]map[string]writeOp{}}
}

func (ws *WriteSet) table(name string) map[string]writeOp {
	t, ok := ws.tables[name]
	if !ok {
		t = map[string]writeOp{}
		ws.tables[name] = t
	}
	return t
}

// Put records a write of value under key.
func (ws *WriteSet) Put(table string, key []byte, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	ws.table(table)[string(key)] = writeOp{value: v}
}

// Delete records a deletion of key.
func (ws *WriteSet) Delete(table string, key []byte) {
	ws.table(table)[string(key)] = writeOp{deleted: true}
}

// Lookup reports whether key was written in this set. If it was, value is the
// buffered value, or nil with deleted=true for a deletion.
func (ws *WriteSet) Lookup(table string, key []byte) (value []byte, deleted bool, found bool) {
	t, ok := ws.tables[table]
	if !ok {
		return nil, false, false
	}
	op, ok := t[string(key)]
	if !ok {
		return nil, false, false
	}
	return op.value, op.deleted, true
}

// Len returns the number of buffered operations.
func (ws *WriteSet) Len() int {
	n := 0
	for _, t := range ws.tables {
		n += len(t)
	}
	return n
}

// ForEach calls fn for every buffered operation. A deletion has a nil value
// and deleted=true. Iteration stops at the first error.
func (ws *WriteSet) ForEach(fn func(table string, key []byte, value []byte, deleted bool) error) error {
	for name, t := range ws.tables {
		for k, op := range t {
			if err := fn(name, []byte(k), op.value, op.deleted); err != nil {
				return err
			}
		}
	}
	return nil
}
