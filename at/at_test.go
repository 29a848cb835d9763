// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

//  Test suite for the AT driver.
//
//  The mockModem does not attempt to emulate a BG96, it only returns the
//  scripted responses required to exercise the driver.

package at_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warthog618/cellsock/at"
	"github.com/warthog618/cellsock/trace"
	"golang.org/x/sync/errgroup"
)

var testTiming = at.Timing{
	Poll:          10 * time.Millisecond,
	PromptWait:    500 * time.Millisecond,
	PromptCeiling: time.Second,
	BufferCeiling: time.Second,
	InitWait:      100 * time.Millisecond,
}

func TestNew(t *testing.T) {
	mm := newMockModem(nil)
	defer mm.Close()
	d := at.New(mm)
	require.NotNil(t, d)
	assert.False(t, d.Running())
	assert.Equal(t, at.ModeNormal, d.Mode())
	select {
	case <-d.Closed():
		t.Error("driver closed")
	default:
	}
	d.Close()
	select {
	case <-d.Closed():
	default:
		t.Error("driver not closed")
	}
}

func TestInit(t *testing.T) {
	cmdSet := map[string][]string{
		"\r":          {""},
		"ATE0\r":      {"\r\nOK\r\n"},
		"AT+CMEE=2\r": {"\r\nOK\r\n"},
		"AT+CGATT?\r": {""},
	}
	patterns := []struct {
		name string
		cmds []string
		err  error
	}{
		{"ok", []string{"E0", "+CMEE=2"}, nil},
		{"error", []string{"E0", "+CREG=2"}, at.ErrError},
		{"silent", []string{"E0", "+CGATT?"}, at.ErrTimeout},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			mm := newMockModem(cmdSet)
			defer mm.Close()
			d := at.New(mm, at.WithTiming(testTiming), at.WithInitCmds(p.cmds...))
			defer d.Close()
			err := d.Init(context.Background())
			assert.Equal(t, p.err, errors.Cause(err))
		}
		t.Run(p.name, f)
	}
}

func TestInitRunning(t *testing.T) {
	d, mm := setupDriver(t, nil)
	defer teardownDriver(d, mm)
	err := d.Init(context.Background())
	assert.Equal(t, at.ErrNotStopped, err)
}

func TestExec(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CSQ\r":     {"\r\n+CSQ: 20,99\r\n\r\nOK\r\n"},
		"AT+CGATT=1\r": {"\r\nOK\r\n"},
		"AT+COPS=0\r":  {"\r\n+CME ERROR: operation not allowed because it is far too long\r\n"},
		"AT+CMGS=3\r":  {"\r\n+CMS ERROR: 500\r\n"},
		"AT+GSN\r":     {"\r\n866425030123456\r\n\r\nOK\r\n"},
		"AT+CCLK?\r":   {"\r\n+CCLK: \"20/03/07,10:15:20+04\"\r\n\r\nOK\r\n"},
	}
	d, mm := setupDriver(t, cmdSet)
	defer teardownDriver(d, mm)
	patterns := []struct {
		name   string
		req    at.Request
		params at.Params
		err    error
		resp   string
	}{
		{
			"query",
			at.Request{ID: at.CSQ, Size: 32, Timeout: time.Second, Lines: 1},
			at.Exec(),
			nil,
			"20,99\r\n",
		},
		{
			"set",
			at.Request{ID: at.CGATT, Timeout: time.Second},
			at.Set(at.Int(1)),
			nil,
			"",
		},
		{
			"error",
			at.Request{ID: at.CMEE, Timeout: time.Second},
			at.Set(at.Int(2)),
			at.ErrError,
			"",
		},
		{
			"cme error",
			at.Request{ID: at.COPS, Timeout: time.Second},
			at.Set(at.Int(0)),
			at.CMEError("operation not allowed because it"),
			"",
		},
		{
			"cms error",
			at.Request{ID: at.CMGS, Timeout: time.Second, Lines: 1},
			at.Set(at.Int(3)),
			at.CMSError("500"),
			"",
		},
		{
			"string",
			at.Request{ID: at.GSN, Size: 32, Timeout: time.Second, Lines: 1},
			at.Exec(),
			nil,
			"866425030123456\r\n",
		},
		{
			"caller buffer",
			at.Request{ID: at.CCLK, Buf: make([]byte, 0, 64), Timeout: time.Second, Lines: 1},
			at.Query(),
			nil,
			"\"20/03/07,10:15:20+04\"\r\n",
		},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			var resp string
			err := d.Exec(context.Background(), p.req, p.params, func(s *at.Slot) error {
				resp = string(s.Response())
				return nil
			})
			assert.Equal(t, p.err, err)
			assert.Equal(t, p.resp, resp)
		}
		t.Run(p.name, f)
	}
}

func TestExecParse(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CREG?\r": {"\r\n+CREG: 2,5,\"1A2B\",\"0C3D4E5F\",8\r\n\r\nOK\r\n"},
	}
	d, mm := setupDriver(t, cmdSet)
	defer teardownDriver(d, mm)
	var n, stat, act int
	var lac, ci string
	err := d.Exec(context.Background(),
		at.Request{ID: at.CREG, Size: 64, Timeout: time.Second, Lines: 1},
		at.Query(),
		func(s *at.Slot) error {
			var l, c []byte
			if s.Args("iiSSi", &n, &stat, &l, &c, &act) != 5 {
				return at.ErrMalformed
			}
			lac, ci = string(l), string(c)
			return nil
		})
	require.Nil(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 5, stat)
	assert.Equal(t, "1A2B", lac)
	assert.Equal(t, "0C3D4E5F", ci)
	assert.Equal(t, 8, act)
}

func TestTimeout(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CGATT?\r": {""},
	}
	d, mm := setupDriver(t, cmdSet)
	defer teardownDriver(d, mm)
	timeout := 200 * time.Millisecond
	start := time.Now()
	err := d.Exec(context.Background(),
		at.Request{ID: at.CGATT, Size: 16, Timeout: timeout, Lines: 1},
		at.Query(), nil)
	elapsed := time.Since(start)
	assert.Equal(t, at.ErrTimeout, err)
	assert.GreaterOrEqual(t, int64(elapsed), int64(timeout))
	assert.Less(t, int64(elapsed), int64(timeout+testTiming.Poll+100*time.Millisecond))
}

func TestSlotExclusion(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CSQ\r": {"\r\n+CSQ: 20,99\r\n", "\r\nOK\r\n"},
	}
	d, mm := setupDriver(t, cmdSet)
	defer teardownDriver(d, mm)
	var inflight, peak, count int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 5; j++ {
				s, err := d.Acquire(ctx, at.Request{ID: at.CSQ, Size: 16, Timeout: time.Second, Lines: 1})
				if err != nil {
					return err
				}
				n := atomic.AddInt32(&inflight, 1)
				if n > atomic.LoadInt32(&peak) {
					atomic.StoreInt32(&peak, n)
				}
				err = d.SendCommand(at.CSQ, at.Exec())
				if err == nil {
					err = s.Wait(ctx)
				}
				atomic.AddInt32(&inflight, -1)
				d.Release(s)
				if err != nil {
					return err
				}
				atomic.AddInt32(&count, 1)
			}
			return nil
		})
	}
	require.Nil(t, g.Wait())
	assert.Equal(t, int32(1), peak)
	assert.Equal(t, int32(40), count)
}

func TestAcquireContext(t *testing.T) {
	d, mm := setupDriver(t, nil)
	defer teardownDriver(d, mm)
	s, err := d.Acquire(context.Background(), at.Request{ID: at.CSQ})
	require.Nil(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s2, err := d.Acquire(ctx, at.Request{ID: at.CSQ})
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Nil(t, s2)
	d.Release(s)
	s, err = d.Acquire(context.Background(), at.Request{ID: at.CSQ})
	require.Nil(t, err)
	d.Release(s)
}

func TestReleaseAbandoned(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+QICLOSE=0,10\r": {""},
		"AT+CGATT=0\r":      {""},
	}
	d, mm := setupDriver(t, cmdSet)
	defer teardownDriver(d, mm)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- d.Exec(ctx,
			at.Request{ID: at.QICLOSE, Timeout: 5 * time.Second},
			at.Set(at.Int(0), at.Int(10)), nil)
	}()
	time.Sleep(150 * time.Millisecond)

	// slot is held until the modem responds
	actx, acancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer acancel()
	_, err := d.Acquire(actx, at.Request{ID: at.CGATT})
	assert.Equal(t, context.DeadlineExceeded, err)
	select {
	case err = <-done:
		t.Errorf("returned before response: %v", err)
	default:
	}

	// late response resolves the abandoned command
	mm.r <- []byte("\r\nOK\r\n")
	select {
	case err = <-done:
		assert.Equal(t, context.DeadlineExceeded, err)
	case <-time.After(time.Second):
		t.Fatal("abandoned command not released")
	}

	// and is not seen by the next command
	err = d.Exec(context.Background(),
		at.Request{ID: at.CGATT, Timeout: 200 * time.Millisecond},
		at.Set(at.Int(0)), nil)
	assert.Equal(t, at.ErrTimeout, err)
	assert.Equal(t, []string{"AT+QICLOSE=0,10\r", "AT+CGATT=0\r"}, mm.written())
}

func TestReleaseAbandonedPrompt(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+QISEND=0,5\r": {""},
		"\x1b":            {"\r\nSEND FAIL\r\n"},
	}
	d, mm := setupDriver(t, cmdSet)
	defer teardownDriver(d, mm)
	s, err := d.Acquire(context.Background(), at.Request{ID: at.QISEND, Size: 32, Timeout: 5 * time.Second, Lines: 1})
	require.Nil(t, err)
	require.Nil(t, d.SendCommand(at.QISEND, at.Set(at.Int(0), at.Int(5))))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p, err := s.WaitPrompt(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Nil(t, p)

	// the prompt arrives after the holder has given up
	go func() {
		time.Sleep(50 * time.Millisecond)
		mm.r <- []byte("\r\n> ")
	}()
	released := make(chan struct{})
	go func() {
		d.Release(s)
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("abandoned prompt not released")
	}
	assert.Equal(t, at.ModeNormal, d.Mode())
	assert.Equal(t, []string{"AT+QISEND=0,5\r", "\x1b"}, mm.written())
}

func TestPartialLine(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CSQ\r": {"\r\n+CSQ: 2"},
	}
	d, mm := setupDriver(t, cmdSet)
	defer teardownDriver(d, mm)
	go func() {
		// well beyond the poll interval
		time.Sleep(10 * testTiming.Poll)
		mm.r <- []byte("0,99\r\n\r\nOK\r\n")
	}()
	var rssi int
	err := d.Exec(context.Background(),
		at.Request{ID: at.CSQ, Size: 16, Timeout: time.Second, Lines: 1},
		at.Exec(),
		func(s *at.Slot) error {
			s.Args("i", &rssi)
			return nil
		})
	assert.Nil(t, err)
	assert.Equal(t, 20, rssi)
}

func TestPrompt(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+QISEND=0,5\r": {"\r\n> "},
		"hello":           {"\r\nSEND OK\r\n"},
		"AT+QISEND=1,5\r": {"\r\nERROR\r\n"},
	}
	d, mm := setupDriver(t, cmdSet)
	defer teardownDriver(d, mm)
	ctx := context.Background()

	s, err := d.Acquire(ctx, at.Request{ID: at.QISEND, Size: 32, Timeout: time.Second, Lines: 1})
	require.Nil(t, err)
	require.Nil(t, d.SendCommand(at.QISEND, at.Set(at.Int(0), at.Int(5))))
	p, err := s.WaitPrompt(ctx)
	require.Nil(t, err)
	assert.Equal(t, at.ModePrompt, d.Mode())
	n, err := p.Write([]byte("hello"))
	assert.Nil(t, err)
	assert.Equal(t, 5, n)
	p.Close()
	assert.Equal(t, at.ModeNormal, d.Mode())
	assert.Nil(t, s.Wait(ctx))
	assert.Equal(t, "SEND OK\r\n", string(s.Response()))
	d.Release(s)

	// error instead of prompt
	s, err = d.Acquire(ctx, at.Request{ID: at.QISEND, Size: 32, Timeout: time.Second, Lines: 1})
	require.Nil(t, err)
	require.Nil(t, d.SendCommand(at.QISEND, at.Set(at.Int(1), at.Int(5))))
	p, err = s.WaitPrompt(ctx)
	assert.Equal(t, at.ErrError, err)
	assert.Nil(t, p)
	d.Release(s)
}

func TestBuffer(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+QIRD=0,8\r": {"\r\n+QIRD: 5\r\nhe", "llo\r\n\r\nOK\r\n"},
		"AT+QIRD=0,0\r": {"\r\n+QIRD: 10,5,5\r\n\r\nOK\r\n"},
	}
	d, mm := setupDriver(t, cmdSet)
	defer teardownDriver(d, mm)
	ctx := context.Background()

	s, err := d.Acquire(ctx, at.Request{ID: at.QIRD, Size: 32, Timeout: time.Second, Lines: 1})
	require.Nil(t, err)
	require.Nil(t, d.SendCommand(at.QIRD, at.Set(at.Int(0), at.Int(8))))
	b, err := s.WaitBuffer(ctx)
	require.Nil(t, err)
	assert.Equal(t, at.ModeBuffer, d.Mode())
	var rd int
	require.Equal(t, 1, s.Args("i", &rd))
	require.Equal(t, 5, rd)
	buf := make([]byte, rd)
	n, err := b.ReadFull(buf)
	assert.Nil(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
	b.Close()
	assert.Nil(t, s.Wait(ctx))
	d.Release(s)

	// info only
	s, err = d.Acquire(ctx, at.Request{ID: at.QIRD, Size: 32, Timeout: time.Second, Lines: 1})
	require.Nil(t, err)
	require.Nil(t, d.SendCommand(at.QIRD, at.Set(at.Int(0), at.Int(0))))
	b, err = s.WaitBuffer(ctx)
	require.Nil(t, err)
	var total, read, unread int
	assert.Equal(t, 3, s.Args("iii", &total, &read, &unread))
	assert.Equal(t, 5, unread)
	b.Close()
	assert.Nil(t, s.Wait(ctx))
	d.Release(s)
}

func TestBufferCeiling(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+QIRD=0,8\r": {"\r\n+QIRD: 5\r\nhello\r\n\r\nOK\r\n"},
	}
	timing := testTiming
	timing.BufferCeiling = 200 * time.Millisecond
	mm := newMockModem(cmdSet)
	d := at.New(mm, at.WithTiming(timing))
	d.Start()
	defer teardownDriver(d, mm)
	ctx := context.Background()

	s, err := d.Acquire(ctx, at.Request{ID: at.QIRD, Size: 32, Timeout: 5 * time.Second, Lines: 1})
	require.Nil(t, err)
	defer d.Release(s)
	require.Nil(t, d.SendCommand(at.QIRD, at.Set(at.Int(0), at.Int(8))))
	b, err := s.WaitBuffer(ctx)
	require.Nil(t, err)
	err = s.Wait(ctx)
	assert.Equal(t, at.ErrTimeout, errors.Cause(err))
	assert.Equal(t, at.ModeNormal, d.Mode())
	_, err = b.ReadFull(make([]byte, 5))
	assert.NotNil(t, err)
}

func TestIndication(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CSQ\r": {"\r\n+QIURC: \"closed\",2\r\n", "\r\n+CSQ: 5,99\r\n\r\nOK\r\n"},
		"AT+QIOPEN=1,0,\"TCP\",\"1.2.3.4\",80,0,0\r": {"\r\n+QIOPEN: 0,0\r\n\r\nOK\r\n"},
	}
	urcs := make(chan string, 10)
	handler := func(c *at.Command, args []byte) {
		urcs <- c.Name + ":" + string(args)
	}
	mm := newMockModem(cmdSet)
	d := at.New(mm, at.WithTiming(testTiming), at.WithIndication(at.QIURC, handler))
	d.Start()
	defer teardownDriver(d, mm)
	require.Nil(t, d.AddIndication(at.QIOPEN, handler))
	assert.Equal(t, at.ErrIndicationExists, d.AddIndication(at.QIURC, handler))
	assert.Equal(t, at.ErrNotURC, errors.Cause(d.AddIndication(at.CSQ, handler)))

	expect := func(want string) {
		t.Helper()
		select {
		case got := <-urcs:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Errorf("no URC, expected %q", want)
		}
	}

	// idle
	mm.r <- []byte("\r\n+QIURC: \"recv\",1\r\n")
	expect("+QIURC:\"recv\",1\r\n")

	// invalid response is not dispatched
	mm.r <- []byte("\r\n+QIURC:\"recv\",1\r\n")

	// during an unrelated command
	var rssi int
	err := d.Exec(context.Background(),
		at.Request{ID: at.CSQ, Size: 16, Timeout: time.Second, Lines: 1},
		at.Exec(),
		func(s *at.Slot) error {
			s.Args("i", &rssi)
			return nil
		})
	assert.Nil(t, err)
	assert.Equal(t, 5, rssi)
	expect("+QIURC:\"closed\",2\r\n")

	// slot for the same command not expecting info
	err = d.Exec(context.Background(),
		at.Request{ID: at.QIOPEN, Timeout: time.Second},
		at.Set(at.Int(1), at.Int(0), at.Quoted("TCP"), at.Quoted("1.2.3.4"), at.Int(80), at.Int(0), at.Int(0)),
		nil)
	assert.Nil(t, err)
	expect("+QIOPEN:0,0\r\n")

	d.CancelIndication(at.QIURC)
	mm.r <- []byte("\r\n+QIURC: \"recv\",1\r\n")
	select {
	case got := <-urcs:
		t.Errorf("unexpected URC %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopStart(t *testing.T) {
	cmdSet := map[string][]string{
		"\r":       {""},
		"AT+CSQ\r": {"\r\n+CSQ: 20,99\r\n\r\nOK\r\n"},
		"ATE0\r":   {"\r\nOK\r\n"},
	}
	d, mm := setupDriver(t, cmdSet)
	defer teardownDriver(d, mm)
	ctx := context.Background()
	req := at.Request{ID: at.CSQ, Size: 16, Timeout: time.Second, Lines: 1}
	urcs := make(chan string, 10)
	require.Nil(t, d.AddIndication(at.QIURC, func(c *at.Command, args []byte) {
		urcs <- string(args)
	}))
	require.Nil(t, d.Exec(ctx, req, at.Exec(), nil))
	require.Nil(t, d.Stop(ctx))
	assert.False(t, d.Running())

	// lines received while stopped are not dispatched, and are dropped by Init
	mm.r <- []byte("\r\n+QIURC: \"recv\",1\r\n")
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, d.Init(ctx, "E0"))
	d.Start()
	assert.True(t, d.Running())
	assert.Nil(t, d.Exec(ctx, req, at.Exec(), nil))
	select {
	case got := <-urcs:
		t.Errorf("unexpected URC %q", got)
	default:
	}
}

func TestClose(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CGATT?\r": {""},
	}
	d, mm := setupDriver(t, cmdSet)
	defer mm.Close()
	ctx := context.Background()
	s, err := d.Acquire(ctx, at.Request{ID: at.CGATT, Size: 16, Lines: 1})
	require.Nil(t, err)
	require.Nil(t, d.SendCommand(at.CGATT, at.Query()))
	go func() {
		time.Sleep(50 * time.Millisecond)
		d.Close()
	}()
	assert.Equal(t, at.ErrClosed, s.Wait(ctx))
	d.Release(s)
	_, err = d.Acquire(ctx, at.Request{ID: at.CGATT})
	assert.Equal(t, at.ErrClosed, err)
}

func TestModemClosed(t *testing.T) {
	d, mm := setupDriver(t, nil)
	defer d.Close()
	mm.Close()
	select {
	case <-d.Closed():
	case <-time.After(time.Second):
		t.Error("driver not closed")
	}
	err := d.Exec(context.Background(), at.Request{ID: at.CSQ}, at.Exec(), nil)
	assert.Equal(t, at.ErrClosed, err)
}

type mockModem struct {
	cmdSet map[string][]string
	mu     sync.Mutex
	closed bool
	writes []string
	// The buffer emulating characters emitted by the modem.
	r       chan []byte
	pending []byte
}

func newMockModem(cmdSet map[string][]string) *mockModem {
	return &mockModem{cmdSet: cmdSet, r: make(chan []byte, 20)}
}

func (m *mockModem) Read(p []byte) (n int, err error) {
	if len(m.pending) == 0 {
		data, ok := <-m.r
		if !ok {
			return 0, io.EOF
		}
		m.pending = data
	}
	n = copy(p, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

func (m *mockModem) Write(p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, at.ErrClosed
	}
	m.writes = append(m.writes, string(p))
	v := m.cmdSet[string(p)]
	if len(v) == 0 {
		m.r <- []byte("\r\nERROR\r\n")
	} else {
		for _, l := range v {
			if len(l) == 0 {
				continue
			}
			m.r <- []byte(l)
		}
	}
	return len(p), nil
}

func (m *mockModem) written() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.writes...)
}

func (m *mockModem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.r)
	}
	return nil
}

func setupDriver(t *testing.T, cmdSet map[string][]string) (*at.Driver, *mockModem) {
	mm := newMockModem(cmdSet)
	var modem io.ReadWriter = mm
	debug := false // set to true to enable tracing of the flow to the mockModem.
	if debug {
		modem = trace.New(modem)
	}
	d := at.New(modem, at.WithTiming(testTiming))
	require.NotNil(t, d)
	d.Start()
	return d, mm
}

func teardownDriver(d *at.Driver, m *mockModem) {
	d.Close()
	m.Close()
}
