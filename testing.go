package fs2

import "github.com/fs2store/fs2/internal/objid"

// NullClient is a Client that accepts every notification and does
// nothing, used by tests and sample-data generation. Grounded on the
// original prototype's testing::NullClient.
type NullClient struct{}

func (NullClient) Finished(objid.TID, uint64, uint64) error { return nil }
func (NullClient) Invalidate(objid.TID, []objid.OID) error  { return nil }
func (NullClient) Close()                                   {}

// Save is one object revision within a sample transaction, as taken
// by AddSampleData.
type Save struct {
	OID  objid.OID
	Data []byte
}

// AddSampleData commits each group of saves in transactions, in
// order, against fs on behalf of client. Within a group, the serial
// used for an OID is the TID of its latest committed revision in fs
// (or the zero TID if this is the object's first revision),
// mirroring the original prototype's testing::add_data helper used to
// build fixtures for tests.
func AddSampleData(fs *FileStorage, client Client, transactions [][]Save) error {
	serials := make(map[objid.OID]objid.TID)
	for _, saves := range transactions {
		for _, s := range saves {
			if loaded, err := fs.LoadBefore(s.OID, MaxTID); err == nil {
				serials[s.OID] = loaded.TID
			} else if err != ErrNoneBefore && !IsCode(err, CodeKey) {
				return err
			}
		}

		t, err := fs.TpcBegin(nil, nil, nil)
		if err != nil {
			return err
		}
		for _, s := range saves {
			serial := serials[s.OID] // zero value if absent, as spec requires
			if err := t.Save(s.OID, serial, s.Data); err != nil {
				return err
			}
		}

		granted := make(chan struct{}, 1)
		if err := fs.Lock(t, func(objid.TID) { granted <- struct{}{} }); err != nil {
			return err
		}
		<-granted
		if err := t.Locked(); err != nil {
			return err
		}
		conflicts, err := fs.Stage(t)
		if err != nil {
			return err
		}
		if len(conflicts) != 0 {
			return NewStateError("AddSampleData", nil)
		}
		if err := fs.TpcFinish(t.ID, client); err != nil {
			return err
		}
	}
	return nil
}

// MakeSample opens (or creates) the log at path and commits
// transactions against it using a NullClient.
func MakeSample(path string, transactions [][]Save) error {
	fs, err := Open(path)
	if err != nil {
		return err
	}
	defer fs.Close()
	return AddSampleData(fs, NullClient{}, transactions)
}
