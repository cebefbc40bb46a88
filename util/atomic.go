package util

import "sync/atomic"

type AtomicInt32 struct {
	value int32
}

func (i *AtomicInt32) Add(value int32) int32 {
	return atomic.AddInt32(&i.value, value)
}

func (i *AtomicInt32) Inc() int32 {
	return i.Add(1)
}

func (i *AtomicInt32) Dec() int32 {
	return i.Add(-1)
}

func (i *AtomicInt32) Get() int32 {
	return atomic.LoadInt32(&i.value)
}

type AtomicUint32 struct {
	value uint32
}

func (i *AtomicUint32) Set(value uint32) {
	atomic.StoreUint32(&i.value, value)
}

func (i *AtomicUint32) Get() uint32 {
	return atomic.LoadUint32(&i.value)
}

type AtomicUint64 struct {
	value uint64
}

func (i *AtomicUint64) Add(value uint64) uint64 {
	return atomic.AddUint64(&i.value, value)
}

func (i *AtomicUint64) Set(value uint64) {
	atomic.StoreUint64(&i.value, value)
}

func (i *AtomicUint64) Get() uint64 {
	return atomic.LoadUint64(&i.value)
}

type AtomicBool struct {
	value AtomicUint32
}

func (i *AtomicBool) Set() {
	i.value.Set(1)
}

func (i *AtomicBool) Clear() {
	i.value.Set(0)
}

func (i *AtomicBool) Get() bool {
	return i.value.Get() > 0
}
