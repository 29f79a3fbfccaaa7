package container

import "container/heap"

// item 优先队列中的元素
type item[T any] struct {
	value    T
	priority float64 // 越小越优先
	seq      int     // 加入顺序，优先级相同时先加入者优先
	index    int     // 在堆中的下标，由heap.Interface方法维护
}

// queue 实现heap.Interface
type queue[T any] []*item[T]

func (q queue[T]) Len() int { return len(q) }

func (q queue[T]) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q queue[T]) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue[T]) Push(x any) {
	it := x.(*item[T])
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *queue[T]) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

// PriorityQueue 最小优先队列
// 功能：按优先级从小到大弹出元素，优先级相同的元素按加入顺序弹出，
// 因此对同一组输入总是得到同一个顺序（最大压力策略依赖这一点在压力相同时选择序号靠前的相位）
type PriorityQueue[T any] struct {
	queue queue[T]
	seq   int
}

// NewPriorityQueue 创建优先队列
func NewPriorityQueue[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{queue: make(queue[T], 0)}
}

// Len 当前元素个数
func (q *PriorityQueue[T]) Len() int {
	return len(q.queue)
}

// Push 加入元素但不维护堆结构
// 说明：批量加入后调用一次Heapify，比逐个HeapPush更快
func (q *PriorityQueue[T]) Push(value T, priority float64) {
	q.queue = append(q.queue, &item[T]{value: value, priority: priority, seq: q.seq})
	q.seq++
}

// Heapify 重新构建堆
func (q *PriorityQueue[T]) Heapify() {
	heap.Init(&q.queue)
}

// HeapPush 加入元素并维护堆结构
func (q *PriorityQueue[T]) HeapPush(value T, priority float64) {
	heap.Push(&q.queue, &item[T]{value: value, priority: priority, seq: q.seq})
	q.seq++
}

// HeapPop 弹出优先级数值最小的元素
func (q *PriorityQueue[T]) HeapPop() (value T, priority float64) {
	it := heap.Pop(&q.queue).(*item[T])
	return it.value, it.priority
}
