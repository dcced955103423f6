package distributed

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
)

// Status is a rank's work state in the termination protocol.
type Status uint8

const (
	Working Status = iota
	Empty
	Finished
)

func (s Status) String() string {
	switch s {
	case Working:
		return "working"
	case Empty:
		return "empty"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// report is a worker's status with its migration counters.
type report struct {
	Status   Status
	Sent     int64
	Received int64
}

func (r report) encode() []byte {
	buf := []byte{byte(r.Status)}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Sent))
	return binary.LittleEndian.AppendUint64(buf, uint64(r.Received))
}

func decodeReport(data []byte) (report, error) {
	if len(data) != 17 {
		return report{}, fmt.Errorf("%w: status of %d bytes", ErrShortRecord, len(data))
	}
	return report{
		Status:   Status(data[0]),
		Sent:     int64(binary.LittleEndian.Uint64(data[1:9])),
		Received: int64(binary.LittleEndian.Uint64(data[9:17])),
	}, nil
}

// terminator runs the master/worker protocol that decides when every rank
// is out of work. Workers report Empty when idle, Working when new
// particles arrive and Finished when the master asks whether they are
// still empty. The master, rank 0, broadcasts Empty once every rank is
// idle and the cluster-wide sent and received counters balance, Finished
// once every rank confirms with balanced counters, and Working whenever a
// rank resumes after the Empty broadcast.
type terminator struct {
	comm *Comm
	log  *slog.Logger

	// worker side
	reported Status

	// master side
	view      []report
	finishing bool
}

func newTerminator(comm *Comm, log *slog.Logger) *terminator {
	t := &terminator{comm: comm, log: log, reported: Working}
	if comm.Rank() == 0 {
		t.view = make([]report, comm.Size())
	}
	return t
}

func (t *terminator) master() bool { return t.comm.Rank() == 0 }

// busy notes that particles arrived after the rank had been idle.
func (t *terminator) busy(ctx context.Context, sent, received int64) error {
	if t.master() {
		if t.finishing {
			return t.resume(ctx)
		}
		return nil
	}
	if t.reported == Working {
		return nil
	}
	t.reported = Working
	return t.report(ctx, report{Status: Working, Sent: sent, Received: received})
}

// idle advances the protocol while the rank has no local work. It reports
// true once the master has declared the run finished.
func (t *terminator) idle(ctx context.Context, sent, received int64) (bool, error) {
	if t.master() {
		return t.masterIdle(ctx, sent, received)
	}
	return t.workerIdle(ctx, sent, received)
}

func (t *terminator) report(ctx context.Context, r report) error {
	t.log.Debug("status", "status", r.Status, "sent", r.Sent, "received", r.Received)
	return t.comm.Send(ctx, 0, TagStatus, r.encode())
}

// workerIdle handles the master's commands in arrival order. An Empty
// command is answered with Finished; a rank whose last report was Working
// first reports Empty so the master's view matches the confirmation.
func (t *terminator) workerIdle(ctx context.Context, sent, received int64) (bool, error) {
	for {
		m, ok := t.comm.Poll(TagCommand)
		if !ok {
			break
		}
		if len(m.Payload) != 1 {
			return false, fmt.Errorf("%w: command of %d bytes", ErrShortRecord, len(m.Payload))
		}
		switch Status(m.Payload[0]) {
		case Finished:
			return true, nil
		case Empty:
			if t.reported == Finished {
				continue
			}
			if t.reported == Working {
				t.reported = Empty
				if err := t.report(ctx, report{Status: Empty, Sent: sent, Received: received}); err != nil {
					return false, err
				}
			}
			t.reported = Finished
			if err := t.report(ctx, report{Status: Finished, Sent: sent, Received: received}); err != nil {
				return false, err
			}
		case Working:
			t.reported = Working
		}
	}
	if t.reported == Working {
		t.reported = Empty
		return false, t.report(ctx, report{Status: Empty, Sent: sent, Received: received})
	}
	return false, nil
}

func (t *terminator) masterIdle(ctx context.Context, sent, received int64) (bool, error) {
	t.view[0] = report{Status: Empty, Sent: sent, Received: received}
	if t.finishing {
		t.view[0].Status = Finished
	}
	for {
		m, ok := t.comm.Poll(TagStatus)
		if !ok {
			break
		}
		r, err := decodeReport(m.Payload)
		if err != nil {
			return false, err
		}
		t.view[m.From] = r
		if r.Status == Working && t.finishing {
			if err := t.resume(ctx); err != nil {
				return false, err
			}
		}
	}
	if t.comm.Pending(TagParticle) > 0 {
		return false, nil
	}

	if !t.finishing {
		if !t.all(Empty, Finished) || !t.balanced() {
			return false, nil
		}
		t.finishing = true
		for r := range t.view {
			t.view[r].Status = Empty
		}
		t.view[0].Status = Finished
		return false, t.broadcast(ctx, Empty)
	}
	if !t.all(Finished) || !t.balanced() {
		return false, nil
	}
	return true, t.broadcast(ctx, Finished)
}

// resume takes back an Empty broadcast after some rank got new work.
func (t *terminator) resume(ctx context.Context) error {
	t.finishing = false
	for r := range t.view {
		t.view[r].Status = Working
	}
	return t.broadcast(ctx, Working)
}

func (t *terminator) all(states ...Status) bool {
	for _, r := range t.view {
		ok := false
		for _, s := range states {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (t *terminator) balanced() bool {
	var sent, received int64
	for _, r := range t.view {
		sent += r.Sent
		received += r.Received
	}
	return sent == received
}

func (t *terminator) broadcast(ctx context.Context, s Status) error {
	t.log.Debug("command", "status", s)
	for r := 1; r < t.comm.Size(); r++ {
		if err := t.comm.Send(ctx, r, TagCommand, []byte{byte(s)}); err != nil {
			return err
		}
	}
	return nil
}
