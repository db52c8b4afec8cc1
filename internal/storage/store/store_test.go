package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/nvstore/internal/errors"
	"github.com/xtxerr/nvstore/internal/logging"
	"github.com/xtxerr/nvstore/internal/radio"
	"github.com/xtxerr/nvstore/internal/storage/checksum"
	"github.com/xtxerr/nvstore/internal/storage/flash"
	"github.com/xtxerr/nvstore/internal/storage/layout"
	tu "github.com/xtxerr/nvstore/internal/testing"
)

// testTable lays out:
//
//	0     device_id (permanent)
//	2     factory_reset
//	3     score
//	4-5   name
//	6-7   error_message
//	8     checksum
//	9     used_for_swapping
func testTable() *layout.Table {
	return layout.MustBuild(layout.Spec{
		PermanentWords: 2,
		Permanent: []layout.FieldSpec{
			layout.Value("device_id", 4),
		},
		Resettable: []layout.FieldSpec{
			layout.Value("score", 4),
			layout.Value("name", 8),
			layout.Value("error_message", 8),
		},
	})
}

func newDevice(t *testing.T, table *layout.Table, opts flash.Options) *flash.MemDevice {
	t.Helper()
	opts.Logger = logging.Discard()
	dev, err := flash.NewMemory(table.BlockSize(), opts)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Logger = logging.Discard()
	return opts
}

// boot creates a store on dev and runs Init, as a power-on would.
func boot(t *testing.T, dev flash.Device, table *layout.Table, opts Options) *Store {
	t.Helper()
	s, err := New(dev, table, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func readPage(t *testing.T, dev *flash.MemDevice, b flash.Block) []byte {
	t.Helper()
	buf := make([]byte, dev.BlockSize())
	if err := dev.ReadPage(b, buf); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	return buf
}

func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	fn()
}

func TestScenario_FreshDeviceSurvivesPowerCycle(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.DefaultOptions())

	s := boot(t, dev, table, testOptions())
	if s.Stats().ColdStarts != 1 {
		t.Errorf("fresh device should cold start, stats %+v", s.Stats())
	}

	score := NewField[uint32](table, "score", 0)
	score.Init(s)
	if score.Get() != 0 {
		t.Fatalf("expected default 0, got %d", score.Get())
	}

	if !score.Set(s, 42, false) {
		t.Fatal("update rejected")
	}
	if s.Stats().Commits != 1 {
		t.Errorf("expected 1 commit, got %d", s.Stats().Commits)
	}

	// Power cycle.
	s = boot(t, dev, table, testOptions())
	score = NewField[uint32](table, "score", 0)
	score.Init(s)
	if score.Get() != 42 {
		t.Errorf("expected 42 after reboot, got %d", score.Get())
	}
	if st := s.Stats(); st.ColdStarts != 0 || st.Recoveries != 0 {
		t.Errorf("valid primary should load directly, stats %+v", st)
	}
}

func TestInitValue_RoundTrip(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.DefaultOptions())
	s := boot(t, dev, table, testOptions())

	addr := table.MustField("name").Addr
	if !s.UpdateValue(addr, []byte("hello"), false) {
		t.Fatal("update rejected")
	}

	s = boot(t, dev, table, testOptions())
	local := []byte("xxxxx")
	s.InitValue(addr, local)
	if string(local) != "hello" {
		t.Errorf("expected hello, got %q", local)
	}
}

func TestInitValue_DefaultNotCommitted(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.DefaultOptions())
	s := boot(t, dev, table, testOptions())

	addr := table.MustField("score").Addr
	s.InitValue(addr, []byte{7, 0, 0, 0})

	if dev.Stats().Stores != 0 {
		t.Errorf("InitValue must not write, got %d stores", dev.Stats().Stores)
	}
	if got := s.RawAddressOf(addr); !bytes.Equal(got, tu.Erased(4)) {
		t.Errorf("flashed mirror should still be erased, got %x", got)
	}

	// The default is in the volatile mirror, so a second bind reads it.
	local := []byte{9, 9, 9, 9}
	s.InitValue(addr, local)
	if !bytes.Equal(local, []byte{7, 0, 0, 0}) {
		t.Errorf("expected default from volatile mirror, got %x", local)
	}
}

func TestUpdateValue_Idempotent(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.DefaultOptions())
	s := boot(t, dev, table, testOptions())

	score := NewField[uint32](table, "score", 0)
	score.Init(s)

	score.Set(s, 7, false)
	before := dev.Stats().Stores

	if !score.Set(s, 7, false) {
		t.Fatal("equal update should report success")
	}
	if after := dev.Stats().Stores; after != before {
		t.Errorf("equal update issued %d writes", after-before)
	}
	if s.Stats().SkippedWrites != 1 {
		t.Errorf("expected 1 skipped write, got %d", s.Stats().SkippedWrites)
	}
}

func TestUpdateValue_Locked(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.DefaultOptions())
	s := boot(t, dev, table, testOptions())

	score := NewField[uint32](table, "score", 0)
	score.Init(s)
	score.Set(s, 10, false)

	s.Lock()
	if !s.Locked() {
		t.Fatal("expected locked")
	}

	stores := dev.Stats().Stores
	if score.Set(s, 11, false) {
		t.Error("unforced update on a locked store should be rejected")
	}
	if score.Get() != 10 {
		t.Errorf("rejected update should roll back local, got %d", score.Get())
	}
	if dev.Stats().Stores != stores {
		t.Error("rejected update must not write")
	}
	if s.Stats().LockRejections != 1 {
		t.Errorf("expected 1 lock rejection, got %d", s.Stats().LockRejections)
	}

	if !score.Set(s, 12, true) {
		t.Error("forced update should pass the lock")
	}
	if got := s.RawAddressOf(score.Addr()); !bytes.Equal(got, []byte{12, 0, 0, 0}) {
		t.Errorf("forced update not committed, flashed %x", got)
	}

	s.Unlock()
	if !score.Set(s, 13, false) {
		t.Error("unlocked store should accept updates")
	}
}

func TestUpdateValue_AutoCommitOff(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.DefaultOptions())
	opts := testOptions()
	opts.AutoCommit = false
	s := boot(t, dev, table, opts)

	if s.AutoCommit() {
		t.Fatal("expected auto-commit off")
	}

	score := NewField[uint32](table, "score", 0)
	score.Init(s)
	if !score.Set(s, 5, false) {
		t.Fatal("update rejected")
	}
	if dev.Stats().Stores != 0 {
		t.Error("update without auto-commit must not write")
	}

	// The volatile mirror has the value, flash does not.
	check := NewField[uint32](table, "score", 0)
	check.Init(s)
	if check.Get() != 5 {
		t.Errorf("volatile mirror: expected 5, got %d", check.Get())
	}
	if got := s.RawAddressOf(score.Addr()); !bytes.Equal(got, tu.Erased(4)) {
		t.Errorf("flashed mirror should be untouched, got %x", got)
	}

	s = boot(t, dev, table, opts)
	score = NewField[uint32](table, "score", 0)
	score.Init(s)
	if score.Get() != 0 {
		t.Errorf("uncommitted update survived reboot: %d", score.Get())
	}

	if !score.Set(s, 6, true) {
		t.Fatal("forced update rejected")
	}
	s = boot(t, dev, table, opts)
	score = NewField[uint32](table, "score", 0)
	score.Init(s)
	if score.Get() != 6 {
		t.Errorf("forced update lost: %d", score.Get())
	}

	s.SetAutoCommit(true)
	if !s.AutoCommit() {
		t.Error("expected auto-commit on")
	}
}

func TestInit_SwapFallback(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.DefaultOptions())
	s := boot(t, dev, table, testOptions())

	score := NewField[uint32](table, "score", 0)
	score.Init(s)
	score.Set(s, 1, false)
	score.Set(s, 2, false)

	// Damage the primary page so its checksum fails.
	primary := readPage(t, dev, flash.Primary)
	primary[score.Addr().Offset()] ^= 0x40
	if err := dev.WritePage(flash.Primary, primary); err != nil {
		t.Fatal(err)
	}

	var logs bytes.Buffer
	opts := testOptions()
	opts.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	s = boot(t, dev, table, opts)
	if s.Stats().Recoveries != 1 {
		t.Errorf("expected 1 recovery, stats %+v", s.Stats())
	}
	if !strings.Contains(logs.String(), errors.ErrChecksumMismatch.Error()) {
		t.Errorf("recovery should log the checksum mismatch: %q", logs.String())
	}

	score = NewField[uint32](table, "score", 0)
	score.Init(s)
	if score.Get() != 1 {
		t.Errorf("expected swap value 1, got %d", score.Get())
	}

	// The swap image has been written back as a valid primary.
	repaired := readPage(t, dev, flash.Primary)
	if !checksum.Valid(repaired, int(table.Min()), int(table.Checksum())) {
		t.Error("primary not repaired")
	}
	swap := readPage(t, dev, flash.Swap)
	if !bytes.Equal(repaired, swap) {
		t.Errorf("primary should equal swap after repair:\n%x\n%x", repaired, swap)
	}

	s = boot(t, dev, table, testOptions())
	if s.Stats().Recoveries != 0 {
		t.Error("repaired primary should load without recovery")
	}
}

func TestStats_CompletionQueue(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.DefaultOptions())
	opts := testOptions()
	opts.CompletionQueueSize = 1
	s := boot(t, dev, table, opts)

	score := NewField[uint32](table, "score", 0)
	score.Init(s)
	for v := uint32(1); v <= 3; v++ {
		score.Set(s, v, false)
	}

	if st := s.Stats(); st.QueuedEvents != 1 || st.DroppedEvents != 2 {
		t.Errorf("expected 1 queued and 2 dropped, stats %+v", st)
	}
	if err := s.Tasks(); err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if st := s.Stats(); st.QueuedEvents != 0 || st.DroppedEvents != 2 {
		t.Errorf("Tasks should drain the queue, stats %+v", st)
	}
}

func TestInit_TotalLoss(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.DefaultOptions())

	for _, b := range []flash.Block{flash.Primary, flash.Swap} {
		if err := dev.WritePage(b, tu.Filled(table.BlockSize(), 0x5A)); err != nil {
			t.Fatal(err)
		}
	}

	var logs bytes.Buffer
	opts := testOptions()
	opts.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	s := boot(t, dev, table, opts)
	if !strings.Contains(logs.String(), errors.ErrChecksumMismatch.Error()) {
		t.Errorf("cold start should log the checksum mismatch: %q", logs.String())
	}
	if s.Stats().ColdStarts != 1 {
		t.Errorf("expected cold start, stats %+v", s.Stats())
	}
	if dev.Stats().Stores != 0 {
		t.Error("cold start must not write")
	}

	score := NewField[uint32](table, "score", 99)
	score.Init(s)
	if score.Get() != 99 {
		t.Errorf("expected default 99, got %d", score.Get())
	}
}

func TestClearAll_KeepsPermanent(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.DefaultOptions())
	s := boot(t, dev, table, testOptions())

	id := NewField[uint32](table, "device_id", 0)
	id.Init(s)
	id.Set(s, 0xC0FFEE, false)

	score := NewField[uint32](table, "score", 0)
	score.Init(s)
	score.Set(s, 9, false)

	s.ClearAll()

	for _, name := range []string{"score", "name", "error_message"} {
		f := table.MustField(name)
		if got := s.Peek(f.Addr, f.Size); !bytes.Equal(got, tu.Erased(f.Size)) {
			t.Errorf("%s not cleared: %x", name, got)
		}
	}

	s = boot(t, dev, table, testOptions())
	if st := s.Stats(); st.Recoveries != 0 || st.ColdStarts != 0 {
		t.Errorf("cleared image should validate, stats %+v", st)
	}

	id = NewField[uint32](table, "device_id", 0)
	id.Init(s)
	if id.Get() != 0xC0FFEE {
		t.Errorf("permanent field lost: %#x", id.Get())
	}

	score = NewField[uint32](table, "score", 3)
	score.Init(s)
	if score.Get() != 3 {
		t.Errorf("expected default after clear, got %d", score.Get())
	}
}

func TestUpdateValue_QuiescesRadio(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.DefaultOptions())
	r := radio.NewSim()

	opts := testOptions()
	opts.Radio = r
	s := boot(t, dev, table, opts)

	r.Connect()
	r.StartDiscovery()

	score := NewField[uint32](table, "score", 0)
	score.Init(s)
	score.Set(s, 1, false)

	if r.Connecting() {
		t.Error("connection attempt should be cancelled and not restarted")
	}
	if !r.Discovering() {
		t.Error("discovery should be resumed")
	}
	st := r.Stats()
	if st.ConnectsCancelled != 1 || st.DiscoveryPauses != 1 || st.DiscoveryResumes != 1 {
		t.Errorf("unexpected radio stats %+v", st)
	}

	// No commit, no radio traffic.
	score.Set(s, 1, false)
	if r.Stats() != st {
		t.Errorf("skipped write touched the radio: %+v", r.Stats())
	}
}

func TestCommitFailure_MovesToError(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.Options{FailAfter: 1})
	s := boot(t, dev, table, testOptions())

	if err := s.Tasks(); err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("expected ready, got %s", s.State())
	}

	score := NewField[uint32](table, "score", 0)
	score.Init(s)
	score.Set(s, 1, false)
	if s.State() != StateReady {
		t.Fatalf("first commit should succeed, state %s", s.State())
	}

	if !score.Set(s, 2, false) {
		t.Error("update should be accepted even when the write fails")
	}
	if s.State() != StateError {
		t.Fatalf("expected error state after failed write, got %s", s.State())
	}

	err := s.Tasks()
	if !errors.Is(err, errors.ErrIO) {
		t.Errorf("expected ErrIO from Tasks, got %v", err)
	}
	if err := s.Tasks(); err == nil || s.State() != StateError {
		t.Error("error state should be terminal")
	}
	if s.Stats().Failures != 1 {
		t.Errorf("expected 1 failure, got %d", s.Stats().Failures)
	}
}

func TestCommitRefused_MovesToError(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.DefaultOptions())
	s := boot(t, dev, table, testOptions())

	dev.Close()

	score := NewField[uint32](table, "score", 0)
	score.Init(s)
	score.Set(s, 1, false)

	err := s.Tasks()
	if !errors.Is(err, errors.ErrIO) || !errors.Is(err, errors.ErrClosed) {
		t.Errorf("expected ErrIO wrapping ErrClosed, got %v", err)
	}
}

func TestEmergencyWrite_FallsBackToSwap(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.DefaultOptions())
	s := boot(t, dev, table, testOptions())

	score := NewField[uint32](table, "score", 0)
	score.Init(s)
	score.Set(s, 1, false)
	score.Set(s, 2, false)

	msg := table.MustField("error_message")
	if err := s.EmergencyWrite(msg.Addr, []byte("hardflt")); err != nil {
		t.Fatalf("EmergencyWrite: %v", err)
	}

	// The record is on flash but not in either mirror.
	primary := readPage(t, dev, flash.Primary)
	if !bytes.HasPrefix(primary[msg.Offset():], []byte("hardflt")) {
		t.Errorf("record not programmed: %x", primary[msg.Offset():msg.Offset()+msg.Size])
	}
	if got := s.Peek(msg.Addr, msg.Size); !bytes.Equal(got, tu.Erased(msg.Size)) {
		t.Errorf("emergency write leaked into the flashed mirror: %x", got)
	}
	if checksum.Valid(primary, int(table.Min()), int(table.Checksum())) {
		t.Error("emergency write should leave the checksum stale")
	}

	s = boot(t, dev, table, testOptions())
	if s.Stats().Recoveries != 1 {
		t.Errorf("expected swap recovery, stats %+v", s.Stats())
	}

	score = NewField[uint32](table, "score", 0)
	score.Init(s)
	if score.Get() != 1 {
		t.Errorf("expected swap value 1, got %d", score.Get())
	}

	record := make([]byte, msg.Size)
	s.InitValue(msg.Addr, record)
	if !bytes.Equal(record, make([]byte, msg.Size)) {
		t.Errorf("record should not survive the fallback, got %q", record)
	}
}

func TestEmergencyWrite_OutOfRange(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.DefaultOptions())
	s := boot(t, dev, table, testOptions())

	if err := s.EmergencyWrite(table.Max(), []byte{1}); !errors.Is(err, errors.ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestOutOfRange_Panics(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.DefaultOptions())
	s := boot(t, dev, table, testOptions())

	last := table.UsedForSwapping()
	expectPanic(t, "InitValue", func() { s.InitValue(last, make([]byte, 5)) })
	expectPanic(t, "UpdateValue", func() { s.UpdateValue(table.Max(), []byte{1}, false) })
	expectPanic(t, "Peek", func() { s.Peek(-1, 4) })

	// A field that ends exactly at the block end is fine.
	s.InitValue(last, make([]byte, 4))
}

func TestTasks_StateTransitions(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.DefaultOptions())

	s, err := New(dev, table, testOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.State() != StateInit {
		t.Fatalf("expected init, got %s", s.State())
	}

	if err := s.Tasks(); err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if s.State() != StateInit {
		t.Errorf("Tasks before Init should stay in init, got %s", s.State())
	}

	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Tasks(); err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if s.State() != StateReady {
		t.Errorf("expected ready, got %s", s.State())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateInit, "init"},
		{StateReady, "ready"},
		{StateError, "error"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if tt.state.String() != tt.expected {
			t.Errorf("state %d: expected %s, got %s", tt.state, tt.expected, tt.state.String())
		}
	}
}

func TestNew_Validation(t *testing.T) {
	table := testTable()

	opts := flash.DefaultOptions()
	opts.Logger = logging.Discard()
	dev, err := flash.NewMemory(table.BlockSize()+4, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	if _, err := New(dev, table, testOptions()); !errors.Is(err, errors.ErrLayout) {
		t.Errorf("block size mismatch: expected ErrLayout, got %v", err)
	}
	if _, err := New(nil, table, testOptions()); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("nil device: expected ErrMissingField, got %v", err)
	}
	if _, err := New(dev, nil, testOptions()); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("nil layout: expected ErrMissingField, got %v", err)
	}
}

func TestIsReady_AwaitIdle(t *testing.T) {
	table := testTable()
	dev := newDevice(t, table, flash.Options{WriteLatency: 50 * time.Millisecond})
	s := boot(t, dev, table, testOptions())

	if !s.IsReady() {
		t.Fatal("idle store should be ready")
	}
	if err := s.AwaitIdle(context.Background()); err != nil {
		t.Fatalf("AwaitIdle: %v", err)
	}

	score := NewField[uint32](table, "score", 0)
	score.Init(s)

	done := make(chan struct{})
	go func() {
		defer close(done)
		score.Set(s, 1, false)
	}()

	if err := tu.Eventually(time.Second, time.Millisecond, func() bool { return !s.IsReady() }); err != nil {
		t.Fatalf("commit never became outstanding: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.AwaitIdle(ctx); err != nil {
		t.Fatalf("AwaitIdle: %v", err)
	}
	if !s.IsReady() {
		t.Error("expected ready after AwaitIdle")
	}
	<-done

	st := s.Stats()
	if st.Commits != 1 || st.CommitP50 < 40*time.Millisecond || st.CommitMax < 50*time.Millisecond {
		t.Errorf("unexpected commit stats %+v", st)
	}
}

func TestUpdateValue_Concurrent(t *testing.T) {
	table := layout.MustBuild(layout.Spec{
		Resettable: []layout.FieldSpec{
			layout.Value("a", 4),
			layout.Value("b", 4),
			layout.Value("c", 4),
			layout.Value("d", 4),
		},
	})
	dev := newDevice(t, table, flash.DefaultOptions())
	s := boot(t, dev, table, testOptions())

	names := []string{"a", "b", "c", "d"}
	gt := tu.NewGoroutineTest(t)
	for i, name := range names {
		gt.Go(func() error {
			f := NewField[uint32](table, name, 0)
			f.Init(s)
			for v := uint32(1); v <= 5; v++ {
				if !f.Set(s, uint32(i)*100+v, false) {
					return fmt.Errorf("%s: update %d rejected", name, v)
				}
			}
			return nil
		})
	}
	gt.Wait()

	s = boot(t, dev, table, testOptions())
	for i, name := range names {
		f := NewField[uint32](table, name, 0)
		f.Init(s)
		if want := uint32(i)*100 + 5; f.Get() != want {
			t.Errorf("%s: expected %d, got %d", name, want, f.Get())
		}
	}
}
