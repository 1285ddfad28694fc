// Copyright 2025 Google Inc. All Rights Reserved.
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

// Package tracertest provides an in-memory tracer.Guest for exercising
// syscall handlers without a real traced process.
package tracertest

import (
	"context"
	"fmt"

	"github.com/googlecloudplatform/agentfs/internal/tracer"
)

// StackBase is where FakeGuest hands out scratch reservations.
const StackBase = 0x7fff_0000_0000

// FakeGuest is a scripted guest. Memory is a sparse byte map that
// tests populate with SetBytes and inspect with Bytes. Injection is
// delegated to InjectFunc, which also records every injected syscall
// in Injected.
type FakeGuest struct {
	Pid int

	// InjectFunc services tracer.Guest.Inject. When nil every
	// injection fails loudly, so tests that expect no kernel calls can
	// leave it unset.
	InjectFunc func(ctx context.Context, sc tracer.Syscall) (int64, error)

	// Injected accumulates every syscall passed to Inject, in order.
	Injected []tracer.Syscall

	mem      map[uint64]byte
	stackTop uint64
}

var _ tracer.Guest = &FakeGuest{}

func NewFakeGuest(pid int) *FakeGuest {
	return &FakeGuest{
		Pid:      pid,
		mem:      make(map[uint64]byte),
		stackTop: StackBase,
	}
}

func (g *FakeGuest) PID() int { return g.Pid }

func (g *FakeGuest) Memory() tracer.Memory { return (*fakeMemory)(g) }

func (g *FakeGuest) Stack(ctx context.Context) (tracer.Stack, error) {
	return &fakeStack{g: g}, nil
}

func (g *FakeGuest) Inject(ctx context.Context, sc tracer.Syscall) (int64, error) {
	g.Injected = append(g.Injected, sc)
	if g.InjectFunc == nil {
		return 0, fmt.Errorf("tracertest: unexpected injection of syscall %d", sc.Num)
	}
	return g.InjectFunc(ctx, sc)
}

// SetBytes seeds guest memory at addr.
func (g *FakeGuest) SetBytes(addr uint64, p []byte) {
	for i, b := range p {
		g.mem[addr+uint64(i)] = b
	}
}

// SetCString seeds a NUL-terminated string at addr.
func (g *FakeGuest) SetCString(addr uint64, s string) {
	g.SetBytes(addr, append([]byte(s), 0))
}

// Bytes reads n bytes of guest memory at addr. Unwritten bytes read as
// zero.
func (g *FakeGuest) Bytes(addr uint64, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = g.mem[addr+uint64(i)]
	}
	return p
}

////////////////////////////////////////////////////////////////////////
// Memory
////////////////////////////////////////////////////////////////////////

type fakeMemory FakeGuest

func (m *fakeMemory) ReadAt(p []byte, addr uint64) error {
	for i := range p {
		b, ok := m.mem[addr+uint64(i)]
		if !ok {
			return fmt.Errorf("tracertest: read of unmapped guest address %#x", addr+uint64(i))
		}
		p[i] = b
	}
	return nil
}

func (m *fakeMemory) WriteAt(p []byte, addr uint64) error {
	for i, b := range p {
		m.mem[addr+uint64(i)] = b
	}
	return nil
}

func (m *fakeMemory) ReadCString(addr uint64) (string, error) {
	var out []byte
	for {
		b, ok := m.mem[addr+uint64(len(out))]
		if !ok {
			return "", fmt.Errorf("tracertest: unterminated string at guest address %#x", addr)
		}
		if b == 0 {
			return string(out), nil
		}
		out = append(out, b)
	}
}

////////////////////////////////////////////////////////////////////////
// Stack
////////////////////////////////////////////////////////////////////////

type fakeStack struct {
	g         *FakeGuest
	committed bool
}

func (s *fakeStack) Reserve(n uint64) uint64 {
	// Align like the real substrate does.
	n = (n + 7) &^ 7
	s.g.stackTop -= n
	return s.g.stackTop
}

func (s *fakeStack) Commit() error {
	s.committed = true
	return nil
}
