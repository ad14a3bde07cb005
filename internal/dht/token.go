package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"sync"
	"time"
)

// secretRotationInterval is how often the minting secret rotates
// (spec.md §3, §4.3).
const secretRotationInterval = 5 * time.Minute

// TokenManager mints and validates the announce_peer token: a 20-byte
// SHA-1 of ip ∥ port ∥ secret (spec.md §3). The exact byte layout of
// ip/port is an internal contract between Generate and Validate — the
// spec's Open Questions section leaves it free as long as both agree, so
// this simply appends the raw IP bytes and a big-endian port rather than
// a textual "ip:port" join.
type TokenManager struct {
	mu             sync.RWMutex
	currentSecret  [20]byte
	previousSecret [20]byte

	done chan struct{}
	wg   sync.WaitGroup
}

func NewTokenManager() *TokenManager {
	tm := &TokenManager{done: make(chan struct{})}

	if _, err := rand.Read(tm.currentSecret[:]); err != nil {
		panic("dht: crypto/rand failure: " + err.Error())
	}
	tm.previousSecret = tm.currentSecret

	tm.wg.Add(1)
	go tm.rotateLoop()

	return tm
}

func (tm *TokenManager) Stop() {
	close(tm.done)
	tm.wg.Wait()
}

func (tm *TokenManager) Generate(ip net.IP, port int) string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return mintToken(ip, port, tm.currentSecret)
}

func (tm *TokenManager) Validate(ip net.IP, port int, token string) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	if token == mintToken(ip, port, tm.currentSecret) {
		return true
	}
	return token == mintToken(ip, port, tm.previousSecret)
}

func mintToken(ip net.IP, port int, secret [20]byte) string {
	h := sha1.New()
	if ip4 := ip.To4(); ip4 != nil {
		h.Write(ip4)
	} else {
		h.Write(ip.To16())
	}

	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(port))
	h.Write(portBuf[:])

	h.Write(secret[:])
	return string(h.Sum(nil))
}

func (tm *TokenManager) rotateLoop() {
	defer tm.wg.Done()

	ticker := time.NewTicker(secretRotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tm.done:
			return
		case <-ticker.C:
			tm.rotate()
		}
	}
}

func (tm *TokenManager) rotate() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.previousSecret = tm.currentSecret
	if _, err := rand.Read(tm.currentSecret[:]); err != nil {
		panic("dht: crypto/rand failure: " + err.Error())
	}
}
