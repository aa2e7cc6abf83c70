package session

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// keyedMutex はセッションIDごとの排他をストライプ化したミューテックスで提供する。
// 同一ストライプに属する別IDも直列化されるため、ロックを入れ子で取得してはならない。
type keyedMutex struct {
	stripes [lockStripes]sync.Mutex
}

// lock はkeyに対応するストライプをロックし、解放関数を返す。
func (k *keyedMutex) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
