package store

// Ring 定长环形缓冲区，写满后覆盖最旧元素
type Ring[T any] struct {
	buf   []T
	start int
	size  int
}

// NewRing 创建容量为capacity的环形缓冲区
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push 追加一个元素，返回是否挤掉了最旧的元素
func (r *Ring[T]) Push(v T) bool {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return false
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return true
}

// Len 当前元素个数
func (r *Ring[T]) Len() int { return r.size }

// Cap 容量
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Last 最新写入的元素
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)], true
}

// Slice 按写入顺序（旧→新）复制出所有元素
func (r *Ring[T]) Slice() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Reset 清空
func (r *Ring[T]) Reset() {
	clear(r.buf)
	r.start = 0
	r.size = 0
}
