package controller

// slot 保存一次性资源。资源只能通过 take 取出一次，取出后槽为空。
type slot[T any] struct {
	v  T
	ok bool
}

// put 存入 v，返回被替换的旧值
func (s *slot[T]) put(v T) (old T, replaced bool) {
	old, replaced = s.v, s.ok
	s.v, s.ok = v, true
	return old, replaced
}

// take 取出并清空
func (s *slot[T]) take() (T, bool) {
	v, ok := s.v, s.ok
	var zero T
	s.v, s.ok = zero, false
	return v, ok
}

// full 报告槽中是否有资源
func (s *slot[T]) full() bool {
	return s.ok
}
