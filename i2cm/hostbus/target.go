package hostbus

import "sync"

// Memory is a register-file target with an auto-incrementing pointer, in
// the manner of 24Cxx EEPROMs and most sensor register maps: the first
// byte of a write phase sets the pointer, later bytes are stored at it,
// and reads return bytes from it.
type Memory struct {
	mu   sync.Mutex
	data []byte
	ptr  int

	pointerNext bool
	written     int

	// NackAfter makes the target refuse data bytes once this many were
	// accepted in one write phase. Zero never refuses.
	NackAfter int
	// Busy is the number of upcoming address phases to refuse, like an
	// EEPROM in its internal write cycle.
	Busy int
}

// NewMemory returns a target with size bytes of zeroed storage.
func NewMemory(size int) *Memory { return &Memory{data: make([]byte, size)} }

// Load copies p into storage at offset 0.
func (m *Memory) Load(p []byte) *Memory {
	m.mu.Lock()
	copy(m.data, p)
	m.mu.Unlock()
	return m
}

// Bytes returns a copy of the storage.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

func (m *Memory) Begin(read bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Busy > 0 {
		m.Busy--
		return false
	}
	if !read {
		m.pointerNext = true
		m.written = 0
	}
	return true
}

func (m *Memory) Write(b byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NackAfter > 0 && m.written >= m.NackAfter {
		return false
	}
	m.written++
	if len(m.data) == 0 {
		return true
	}
	if m.pointerNext {
		m.pointerNext = false
		m.ptr = int(b) % len(m.data)
		return true
	}
	m.data[m.ptr] = b
	m.ptr = (m.ptr + 1) % len(m.data)
	return true
}

func (m *Memory) Read() byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.data) == 0 {
		return 0xFF
	}
	b := m.data[m.ptr]
	m.ptr = (m.ptr + 1) % len(m.data)
	return b
}

func (m *Memory) End() {}

// Script is a target that acknowledges everything, records written bytes
// and answers reads from a fixed script (0xFF once exhausted).
type Script struct {
	mu     sync.Mutex
	Reply  []byte
	next   int
	got    []byte
	Starts int
	Stops  int
}

func (s *Script) Begin(read bool) bool {
	s.mu.Lock()
	s.Starts++
	s.mu.Unlock()
	return true
}

func (s *Script) Write(b byte) bool {
	s.mu.Lock()
	s.got = append(s.got, b)
	s.mu.Unlock()
	return true
}

func (s *Script) Read() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.Reply) {
		return 0xFF
	}
	b := s.Reply[s.next]
	s.next++
	return b
}

func (s *Script) End() {
	s.mu.Lock()
	s.Stops++
	s.mu.Unlock()
}

// Written returns a copy of every data byte received.
func (s *Script) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.got...)
}
