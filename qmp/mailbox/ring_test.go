package mailbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/rflandau/qmp/internal/testsupport"
	"github.com/rflandau/qmp/qmp/mailbox"
	"github.com/rflandau/qmp/qmp/packet"
)

func TestRing_RequestChannel(t *testing.T) {
	ring := mailbox.NewRing(0)
	if ring.Depth() != mailbox.DefaultRingDepth {
		t.Error("incorrect depth", ExpectedActual(mailbox.DefaultRingDepth, ring.Depth()))
	}
	ch, err := ring.RequestChannel(context.Background(), mailbox.DefaultClient())
	if err != nil {
		t.Fatal(err)
	}
	if !ring.InUse() {
		t.Fatal("ring does not consider its channel held")
	}
	if _, err := ring.RequestChannel(context.Background(), mailbox.DefaultClient()); !errors.Is(err, mailbox.ErrBusy) {
		t.Fatal(ExpectedActual(mailbox.ErrBusy, err))
	}
	if err := ch.Free(); err != nil {
		t.Fatal(err)
	}
	if err := ch.Free(); err != nil {
		t.Fatal("second free errored: ", err)
	}
	if ring.InUse() {
		t.Fatal("freed channel is still held")
	}
	if _, err := ring.RequestChannel(context.Background(), mailbox.DefaultClient()); err != nil {
		t.Fatal("failed to reacquire a freed ring: ", err)
	}
	if ring.Requested() != 2 {
		t.Error("incorrect request count", ExpectedActual(uint(2), ring.Requested()))
	}

	t.Run("injected failure", func(t *testing.T) {
		ring := mailbox.NewRing(1)
		sentinel := errors.New("mailbox absent")
		ring.FailRequests(sentinel)
		if _, err := ring.RequestChannel(context.Background(), mailbox.DefaultClient()); !errors.Is(err, sentinel) {
			t.Fatal(ExpectedActual(sentinel, err))
		}
		if ring.InUse() {
			t.Fatal("failed request left the channel held")
		}
		ring.FailRequests(nil)
		if _, err := ring.RequestChannel(context.Background(), mailbox.DefaultClient()); err != nil {
			t.Fatal(err)
		}
	})
	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := mailbox.NewRing(1).RequestChannel(ctx, mailbox.DefaultClient()); !errors.Is(err, context.Canceled) {
			t.Fatal(ExpectedActual(context.Canceled, err))
		}
	})
}

func TestRing_Send(t *testing.T) {
	pkt, err := packet.Pack([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("blocking", func(t *testing.T) {
		ring := mailbox.NewRing(2)
		cl := mailbox.DefaultClient()
		cl.TxTimeout = 20 * time.Millisecond
		ch, _ := ring.RequestChannel(context.Background(), cl)
		for range ring.Depth() {
			if err := ch.Send(context.Background(), &pkt); err != nil {
				t.Fatal(err)
			}
		}
		if ring.Pending() != 2 {
			t.Fatal("incorrect pending count", ExpectedActual(2, ring.Pending()))
		}
		start := time.Now()
		if err := ch.Send(context.Background(), &pkt); !errors.Is(err, mailbox.ErrTimeout) {
			t.Fatal(ExpectedActual(mailbox.ErrTimeout, err))
		}
		if waited := time.Since(start); waited < cl.TxTimeout {
			t.Error("full ring did not block for the timeout", ExpectedActual(cl.TxTimeout, waited))
		}
		// a caller deadline shorter than TxTimeout wins
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		defer cancel()
		if err := ch.Send(ctx, &pkt); !errors.Is(err, mailbox.ErrTimeout) || !errors.Is(err, context.DeadlineExceeded) {
			t.Fatal(ExpectedActual(mailbox.ErrTimeout, err))
		}
	})
	t.Run("blocked send completes once drained", func(t *testing.T) {
		ring := mailbox.NewRing(1)
		ch, _ := ring.RequestChannel(context.Background(), mailbox.DefaultClient())
		if err := ch.Send(context.Background(), &pkt); err != nil {
			t.Fatal(err)
		}
		go func() {
			time.Sleep(10 * time.Millisecond)
			ring.Receive(context.Background())
		}()
		if err := ch.Send(context.Background(), &pkt); err != nil {
			t.Fatal("send did not complete after a slot freed: ", err)
		}
	})
	t.Run("non-blocking", func(t *testing.T) {
		ring := mailbox.NewRing(1)
		cl := mailbox.DefaultClient()
		cl.TxBlock = false
		ch, _ := ring.RequestChannel(context.Background(), cl)
		if err := ch.Send(context.Background(), &pkt); err != nil {
			t.Fatal(err)
		}
		start := time.Now()
		if err := ch.Send(context.Background(), &pkt); !errors.Is(err, mailbox.ErrTimeout) {
			t.Fatal(ExpectedActual(mailbox.ErrTimeout, err))
		}
		if waited := time.Since(start); waited >= cl.TxTimeout {
			t.Error("non-blocking send waited", ExpectedActual(time.Duration(0), waited))
		}
	})
	t.Run("after free", func(t *testing.T) {
		ring := mailbox.NewRing(1)
		ch, _ := ring.RequestChannel(context.Background(), mailbox.DefaultClient())
		ch.Free()
		if err := ch.Send(context.Background(), &pkt); !errors.Is(err, mailbox.ErrFreed) {
			t.Fatal(ExpectedActual(mailbox.ErrFreed, err))
		}
	})
	t.Run("nil packet", func(t *testing.T) {
		ch, _ := mailbox.NewRing(1).RequestChannel(context.Background(), mailbox.DefaultClient())
		if err := ch.Send(context.Background(), nil); !errors.Is(err, mailbox.ErrNilPacket) {
			t.Fatal(ExpectedActual(mailbox.ErrNilPacket, err))
		}
	})
}

func TestRing_Receive(t *testing.T) {
	ring := mailbox.NewRing(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := ring.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal(ExpectedActual(context.DeadlineExceeded, err))
	}
}
