package loopback

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/piwi3910/fabricbench/internal/backend"
	"github.com/piwi3910/fabricbench/internal/fabric"
)

// testPair exposes one region on each of two endpoints of a zero-latency
// hub. Region 1 belongs to the first endpoint, region 2 to the second.
func testPair(t *testing.T, size int64) (*Fabric, fabric.Provider, fabric.LocalRegion, fabric.Provider, fabric.LocalRegion) {
	t.Helper()
	hub := New(Config{})
	be := backend.NewHost()

	a := hub.Endpoint(0)
	b := hub.Endpoint(1)

	ra, err := a.ExposeLocalRegion(context.Background(), 1, size, be)
	if err != nil {
		t.Fatalf("exposing region 1: %v", err)
	}
	rb, err := b.ExposeLocalRegion(context.Background(), 2, size, be)
	if err != nil {
		t.Fatalf("exposing region 2: %v", err)
	}

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return hub, a, ra, b, rb
}

func regionBytes(t *testing.T, p fabric.Provider, id fabric.RegionID, size int64) []byte {
	t.Helper()
	view, err := p.MapRemoteRegion(context.Background(), id, size)
	if err != nil {
		t.Fatalf("mapping region %d: %v", id, err)
	}
	defer p.ReleaseView(view)

	out := make([]byte, size)
	if err := backend.NewHost().Read(view.Buffer(), 0, out); err != nil {
		t.Fatalf("reading region %d: %v", id, err)
	}
	return out
}

func TestSubmitPushMovesData(t *testing.T) {
	_, a, ra, _, _ := testPair(t, 4096)
	be := backend.NewHost()

	if err := be.Fill(ra.Buffer(), 4096, 0x7e); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}
	err := a.SubmitTransferVector(context.Background(), ra, 2,
		[]fabric.TransferEntry{{LocalOffset: 0, RemoteOffset: 0, Size: 4096}},
		fabric.Push, fabric.OrderPointToPoint)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	for i, got := range regionBytes(t, a, 2, 4096) {
		if got != 0x7e {
			t.Fatalf("remote byte %d = %#02x, want 0x7e", i, got)
		}
	}
}

func TestSubmitPullMovesData(t *testing.T) {
	_, a, ra, _, rb := testPair(t, 1024)
	be := backend.NewHost()

	if err := be.Fill(rb.Buffer(), 1024, 0x19); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}
	err := a.SubmitTransferVector(context.Background(), ra, 2,
		[]fabric.TransferEntry{{LocalOffset: 0, RemoteOffset: 0, Size: 1024}},
		fabric.Pull, fabric.OrderGlobal)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	got, err := be.ReadByte(ra.Buffer())
	if err != nil {
		t.Fatalf("ReadByte failed: %v", err)
	}
	if got != 0x19 {
		t.Errorf("local byte = %#02x, want 0x19", got)
	}
}

func TestSubmitHonorsVectorOffsets(t *testing.T) {
	_, a, ra, _, _ := testPair(t, 4096)
	be := backend.NewHost()

	if err := be.Write(ra.Buffer(), 0, []byte{0xaa}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := be.Write(ra.Buffer(), 2048, []byte{0xbb}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	err := a.SubmitTransferVector(context.Background(), ra, 2,
		[]fabric.TransferEntry{
			{LocalOffset: 0, RemoteOffset: 1024, Size: 1},
			{LocalOffset: 2048, RemoteOffset: 0, Size: 1},
		},
		fabric.Push, fabric.OrderPointToPoint)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	remote := regionBytes(t, a, 2, 4096)
	if remote[1024] != 0xaa {
		t.Errorf("remote[1024] = %#02x, want 0xaa", remote[1024])
	}
	if remote[0] != 0xbb {
		t.Errorf("remote[0] = %#02x, want 0xbb", remote[0])
	}
}

func TestSubmitRejectsOutOfBoundsEntry(t *testing.T) {
	_, a, ra, _, _ := testPair(t, 1024)

	entries := map[string]fabric.TransferEntry{
		"local overrun":       {LocalOffset: 512, RemoteOffset: 0, Size: 1024},
		"local offset wraps":  {LocalOffset: math.MaxUint64, RemoteOffset: 0, Size: 512},
		"remote offset wraps": {LocalOffset: 0, RemoteOffset: math.MaxUint64 - 256, Size: 512},
	}
	for name, entry := range entries {
		t.Run(name, func(t *testing.T) {
			err := a.SubmitTransferVector(context.Background(), ra, 2,
				[]fabric.TransferEntry{entry}, fabric.Push, fabric.OrderPointToPoint)
			if !errors.Is(err, fabric.ErrTransferFailed) {
				t.Errorf("Submit = %v, want ErrTransferFailed", err)
			}
		})
	}
}

func TestFailNextTransfers(t *testing.T) {
	hub, a, ra, _, _ := testPair(t, 1024)
	entries := []fabric.TransferEntry{{LocalOffset: 0, RemoteOffset: 0, Size: 1024}}

	hub.FailNextTransfers(1)
	err := a.SubmitTransferVector(context.Background(), ra, 2, entries, fabric.Push, fabric.OrderPointToPoint)
	if !errors.Is(err, fabric.ErrTransferFailed) {
		t.Fatalf("first Submit = %v, want ErrTransferFailed", err)
	}
	err = a.SubmitTransferVector(context.Background(), ra, 2, entries, fabric.Push, fabric.OrderPointToPoint)
	if err != nil {
		t.Fatalf("second Submit = %v, want success", err)
	}
}

func TestTransferChannelLifecycle(t *testing.T) {
	_, a, ra, _, _ := testPair(t, 1024)
	entries := []fabric.TransferEntry{{LocalOffset: 0, RemoteOffset: 0, Size: 1024}}

	ch, err := a.OpenTransferChannel(context.Background())
	if err != nil {
		t.Fatalf("OpenTransferChannel failed: %v", err)
	}
	if err := ch.Submit(context.Background(), ra, 2, entries, fabric.Push, fabric.OrderPointToPoint); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	err = ch.Submit(context.Background(), ra, 2, entries, fabric.Push, fabric.OrderPointToPoint)
	if !errors.Is(err, fabric.ErrResourceUnavailable) {
		t.Errorf("Submit on closed channel = %v, want ErrResourceUnavailable", err)
	}
}

func TestTriggerDelivery(t *testing.T) {
	_, a, _, b, _ := testPair(t, 1024)

	fired := make(chan error, 4)
	tr, err := b.RegisterTrigger(context.Background(), 9, func(status error) fabric.CallbackAction {
		fired <- status
		return fabric.CallbackContinue
	})
	if err != nil {
		t.Fatalf("RegisterTrigger failed: %v", err)
	}
	defer b.UnregisterTrigger(tr)

	for i := 0; i < 3; i++ {
		if err := a.FireTrigger(context.Background(), 9); err != nil {
			t.Fatalf("FireTrigger %d failed: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case status := <-fired:
			if status != nil {
				t.Errorf("delivery %d carried status %v, want nil", i, status)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d never arrived", i)
		}
	}
}

func TestFireTriggerHonorsContextWhenCallbackStalls(t *testing.T) {
	_, a, _, b, _ := testPair(t, 1024)

	release := make(chan struct{})
	tr, err := b.RegisterTrigger(context.Background(), 9, func(error) fabric.CallbackAction {
		<-release
		return fabric.CallbackContinue
	})
	if err != nil {
		t.Fatalf("RegisterTrigger failed: %v", err)
	}
	defer close(release)
	defer b.UnregisterTrigger(tr)

	// The first delivery stalls in the callback, the rest fill the event
	// buffer. The extra one waits for the freed slot, so after this loop
	// the buffer is full again with the callback still stuck.
	for i := 0; i < 17; i++ {
		if err := a.FireTrigger(context.Background(), 9); err != nil {
			t.Fatalf("FireTrigger %d failed: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := a.FireTrigger(ctx, 9); !errors.Is(err, fabric.ErrTriggerFailed) {
		t.Errorf("FireTrigger with full buffer = %v, want ErrTriggerFailed", err)
	}
}

func TestTriggerCallbackCancelStopsDelivery(t *testing.T) {
	_, a, _, b, _ := testPair(t, 1024)

	fired := make(chan struct{}, 4)
	tr, err := b.RegisterTrigger(context.Background(), 9, func(error) fabric.CallbackAction {
		fired <- struct{}{}
		return fabric.CallbackCancel
	})
	if err != nil {
		t.Fatalf("RegisterTrigger failed: %v", err)
	}
	defer b.UnregisterTrigger(tr)

	if err := a.FireTrigger(context.Background(), 9); err != nil {
		t.Fatalf("FireTrigger failed: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery never arrived")
	}

	// Cancelled triggers stay registered but quiet.
	if err := a.FireTrigger(context.Background(), 9); err != nil {
		t.Fatalf("FireTrigger after cancel failed: %v", err)
	}
	select {
	case <-fired:
		t.Error("delivery after CallbackCancel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFailTriggers(t *testing.T) {
	hub, a, _, b, _ := testPair(t, 1024)

	tr, err := b.RegisterTrigger(context.Background(), 9, func(error) fabric.CallbackAction {
		return fabric.CallbackContinue
	})
	if err != nil {
		t.Fatalf("RegisterTrigger failed: %v", err)
	}
	defer b.UnregisterTrigger(tr)

	hub.FailTriggers(true)
	if err := a.FireTrigger(context.Background(), 9); !errors.Is(err, fabric.ErrTriggerFailed) {
		t.Errorf("FireTrigger = %v, want ErrTriggerFailed", err)
	}
	hub.FailTriggers(false)
	if err := a.FireTrigger(context.Background(), 9); err != nil {
		t.Errorf("FireTrigger after reset = %v, want success", err)
	}
}

func TestInjectTriggerStatus(t *testing.T) {
	hub, _, _, b, _ := testPair(t, 1024)

	fired := make(chan error, 1)
	tr, err := b.RegisterTrigger(context.Background(), 9, func(status error) fabric.CallbackAction {
		fired <- status
		return fabric.CallbackContinue
	})
	if err != nil {
		t.Fatalf("RegisterTrigger failed: %v", err)
	}
	defer b.UnregisterTrigger(tr)

	injected := errors.New("simulated delivery fault")
	if err := hub.InjectTriggerStatus(9, injected); err != nil {
		t.Fatalf("InjectTriggerStatus failed: %v", err)
	}
	select {
	case status := <-fired:
		if !errors.Is(status, injected) {
			t.Errorf("callback status = %v, want injected fault", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("injected status never delivered")
	}
}

func TestBusyViewRelease(t *testing.T) {
	hub, a, _, _, _ := testPair(t, 1024)

	view, err := a.MapRemoteRegion(context.Background(), 2, 1024)
	if err != nil {
		t.Fatalf("MapRemoteRegion failed: %v", err)
	}

	hub.BusyViewReleases(2)
	for i := 0; i < 2; i++ {
		if err := a.ReleaseView(view); !errors.Is(err, fabric.ErrViewBusy) {
			t.Fatalf("ReleaseView %d = %v, want ErrViewBusy", i, err)
		}
	}
	if err := a.ReleaseView(view); err != nil {
		t.Fatalf("ReleaseView after busy window = %v, want success", err)
	}
}

func TestSendPayload(t *testing.T) {
	_, a, _, _, _ := testPair(t, 8192)

	payload := make([]byte, fabric.MaxInterruptPayload)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := a.SendPayload(context.Background(), 2, 1024, payload); err != nil {
		t.Fatalf("SendPayload failed: %v", err)
	}

	remote := regionBytes(t, a, 2, 8192)
	for i, want := range payload {
		if remote[1024+i] != want {
			t.Fatalf("remote[%d] = %#02x, want %#02x", 1024+i, remote[1024+i], want)
		}
	}

	oversized := make([]byte, fabric.MaxInterruptPayload+1)
	if err := a.SendPayload(context.Background(), 2, 0, oversized); !errors.Is(err, fabric.ErrPayloadTooLarge) {
		t.Errorf("oversized SendPayload = %v, want ErrPayloadTooLarge", err)
	}
}

func TestRegionLifecycle(t *testing.T) {
	_, a, _, b, rb := testPair(t, 1024)
	be := backend.NewHost()

	if _, err := a.ExposeLocalRegion(context.Background(), 2, 1024, be); !errors.Is(err, fabric.ErrRegionExists) {
		t.Errorf("duplicate ExposeLocalRegion = %v, want ErrRegionExists", err)
	}

	if err := b.SetRegionAvailability(rb, false); err != nil {
		t.Fatalf("SetRegionAvailability failed: %v", err)
	}
	if _, err := a.MapRemoteRegion(context.Background(), 2, 1024); !errors.Is(err, fabric.ErrResourceUnavailable) {
		t.Errorf("MapRemoteRegion of unavailable region = %v, want ErrResourceUnavailable", err)
	}
	if err := b.SetRegionAvailability(rb, true); err != nil {
		t.Fatalf("SetRegionAvailability failed: %v", err)
	}

	if err := b.WithdrawRegion(rb); err != nil {
		t.Fatalf("WithdrawRegion failed: %v", err)
	}
	if _, err := a.MapRemoteRegion(context.Background(), 2, 1024); !errors.Is(err, fabric.ErrUnknownRegion) {
		t.Errorf("MapRemoteRegion of withdrawn region = %v, want ErrUnknownRegion", err)
	}
	if err := b.WithdrawRegion(rb); !errors.Is(err, fabric.ErrResourceUnavailable) {
		t.Errorf("double WithdrawRegion = %v, want ErrResourceUnavailable", err)
	}
}

func TestClosedProviderRejectsEverything(t *testing.T) {
	_, a, ra, _, _ := testPair(t, 1024)

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close = %v, want nil", err)
	}

	if _, err := a.MapRemoteRegion(context.Background(), 2, 1024); !errors.Is(err, fabric.ErrProviderClosed) {
		t.Errorf("MapRemoteRegion = %v, want ErrProviderClosed", err)
	}
	if err := a.FireTrigger(context.Background(), 9); !errors.Is(err, fabric.ErrProviderClosed) {
		t.Errorf("FireTrigger = %v, want ErrProviderClosed", err)
	}
	if err := a.WithdrawRegion(ra); !errors.Is(err, fabric.ErrProviderClosed) {
		t.Errorf("WithdrawRegion = %v, want ErrProviderClosed", err)
	}
}
