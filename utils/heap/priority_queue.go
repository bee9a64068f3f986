// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package heap

import (
	"container/heap"
	"errors"
)

// ErrEmptyQueue occurs when Pop is called on an empty queue.
var ErrEmptyQueue = errors.New("queue is empty")

// Item is a value with a priority. Lower priorities are popped first.
type Item struct {
	Value    interface{}
	Priority int
}

type itemHeap []*Item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].Priority < h[j].Priority }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*Item)) }

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PriorityQueue is a min-heap of Items.
type PriorityQueue struct {
	items itemHeap
}

// NewPriorityQueue creates a new PriorityQueue, initialized with the given
// items.
func NewPriorityQueue(items ...*Item) *PriorityQueue {
	q := &PriorityQueue{itemHeap(items)}
	heap.Init(&q.items)
	return q
}

// Len returns the number of items in the queue.
func (q *PriorityQueue) Len() int {
	return q.items.Len()
}

// Push adds an item to the queue.
func (q *PriorityQueue) Push(i *Item) {
	heap.Push(&q.items, i)
}

// Pop removes and returns the item with the lowest priority.
func (q *PriorityQueue) Pop() (*Item, error) {
	if q.items.Len() == 0 {
		return nil, ErrEmptyQueue
	}
	return heap.Pop(&q.items).(*Item), nil
}
