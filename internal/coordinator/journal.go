package coordinator

import (
	"context"
	"encoding/json"

	"github.com/lattice-io/txncore"
	"github.com/lattice-io/txncore/internal/recordstore"
)

// JournalStoreName is the reserved record-store bucket holding durable
// commit markers, keyed by transaction id (§6's TRANSACTION_JOURNAL).
const JournalStoreName = "TRANSACTION_JOURNAL"

// journal is the durable decision record: the marker's presence after a
// successful write is the transaction's point of no return (§4.3.1).
type journal struct {
	engine recordstore.Engine
}

func newJournal(engine recordstore.Engine) *journal {
	return &journal{engine: engine}
}

func markerToRecord(m *txncore.CommitMarker) (recordstore.Record, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var rec recordstore.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	rec["__primary_key__"] = m.TransactionID.String()
	return rec, nil
}

func recordToMarker(rec recordstore.Record) (*txncore.CommitMarker, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var m txncore.CommitMarker
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (j *journal) write(ctx context.Context, m *txncore.CommitMarker) error {
	rec, err := markerToRecord(m)
	if err != nil {
		return err
	}
	return j.engine.Put(ctx, JournalStoreName, rec, recordstore.PutOptions{SkipWriteEpoch: true, BypassAuthority: true})
}

func (j *journal) delete(ctx context.Context, txID txncore.UUID) error {
	return j.engine.Delete(ctx, JournalStoreName, txID.String(), recordstore.DeleteOptions{BypassAuthority: true})
}

func (j *journal) getAll(ctx context.Context) ([]*txncore.CommitMarker, error) {
	recs, err := j.engine.GetAll(ctx, JournalStoreName)
	if err != nil {
		return nil, err
	}
	out := make([]*txncore.CommitMarker, 0, len(recs))
	for _, rec := range recs {
		m, err := recordToMarker(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
