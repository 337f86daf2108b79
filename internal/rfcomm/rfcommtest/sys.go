// Package rfcommtest provides an in-memory rfcomm.Sys for tests.
package rfcommtest

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Pending is a queued incoming connection.
type Pending struct {
	FD      int
	Address string
}

// Sys hands out increasing descriptor numbers, never reusing one, and
// records every call. Set a Fail* field to make the matching step fail.
type Sys struct {
	mu sync.Mutex

	next  int
	open  map[int]bool
	bound map[int]uint8
	queue map[uint8][]Pending

	FailSocket    error
	FailSecure    error
	FailBind      error
	FailListen    error
	FailNonblock  error
	FailDup       error
	Closed        []int
	Nonblocking   map[int]bool
	Backlogs      map[int]int
	SecureApplied map[int]bool
}

// New returns a Sys whose first descriptor is 10.
func New() *Sys {
	return &Sys{
		next:          10,
		open:          make(map[int]bool),
		bound:         make(map[int]uint8),
		queue:         make(map[uint8][]Pending),
		Nonblocking:   make(map[int]bool),
		Backlogs:      make(map[int]int),
		SecureApplied: make(map[int]bool),
	}
}

func (s *Sys) alloc() int {
	fd := s.next
	s.next++
	s.open[fd] = true
	return fd
}

// Socket allocates a fresh descriptor.
func (s *Sys) Socket() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSocket != nil {
		return -1, s.FailSocket
	}
	return s.alloc(), nil
}

func (s *Sys) SetSecure(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSecure != nil {
		return s.FailSecure
	}
	s.SecureApplied[fd] = true
	return nil
}

func (s *Sys) Bind(fd int, channel uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailBind != nil {
		return s.FailBind
	}
	for other, ch := range s.bound {
		if ch == channel && s.open[other] {
			return fmt.Errorf("rfcommtest: channel %d in use by fd %d", channel, other)
		}
	}
	s.bound[fd] = channel
	return nil
}

func (s *Sys) Listen(fd int, backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailListen != nil {
		return s.FailListen
	}
	s.Backlogs[fd] = backlog
	return nil
}

func (s *Sys) SetNonblock(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNonblock != nil {
		return s.FailNonblock
	}
	s.Nonblocking[fd] = true
	return nil
}

// Queue makes the next Accept on the socket bound to channel return a new
// descriptor from the given address. It returns that descriptor.
func (s *Sys) Queue(channel uint8, address string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	fd := s.alloc()
	s.queue[channel] = append(s.queue[channel], Pending{FD: fd, Address: address})
	return fd
}

func (s *Sys) Accept(fd int) (int, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.bound[fd]
	if !ok || !s.open[fd] {
		return -1, "", fmt.Errorf("rfcommtest: accept on unbound fd %d", fd)
	}
	q := s.queue[ch]
	if len(q) == 0 {
		return -1, "", unix.EAGAIN
	}
	s.queue[ch] = q[1:]
	return q[0].FD, q[0].Address, nil
}

func (s *Sys) Dup(fd int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailDup != nil {
		return -1, s.FailDup
	}
	if !s.open[fd] {
		return -1, fmt.Errorf("rfcommtest: dup of closed fd %d", fd)
	}
	return s.alloc(), nil
}

func (s *Sys) Close(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open[fd] {
		return fmt.Errorf("rfcommtest: close of closed fd %d", fd)
	}
	delete(s.open, fd)
	s.Closed = append(s.Closed, fd)
	return nil
}

// IsOpen reports whether fd was handed out and not closed.
func (s *Sys) IsOpen(fd int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open[fd]
}

// Bound returns the channel fd was bound to.
func (s *Sys) Bound(fd int) (uint8, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.bound[fd]
	return ch, ok
}

// OpenCount returns the number of descriptors currently open.
func (s *Sys) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}
