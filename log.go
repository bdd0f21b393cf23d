// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nodevisor

import (
	"sync"
	"time"
)

const (
	MaxLogRecords = 1000
)

// Sources for records that do not come from a supervised process.
const (
	SourceSystem  = "system"
	SourceCommand = "command"
)

// LogRecord is a single chunk of output.  Text is stored exactly as it
// was read, so it need not end with (or even contain) a newline.  Source
// is either SourceSystem, SourceCommand, or the id of the process that
// produced the output.
type LogRecord struct {
	Id     int64     `json:"id,string"`
	Time   time.Time `json:"time"`
	Source string    `json:"source"`
	Stream string    `json:"stream,omitempty"`
	Text   string    `json:"text"`
}

// Line returns the record as it is shown to operators.  Process output
// is prefixed with the bracketed process id.
func (r LogRecord) Line() string {
	switch r.Source {
	case "", SourceSystem, SourceCommand:
		return r.Text
	}
	return "[" + r.Source + "] " + r.Text
}

// Log is a bounded ring of LogRecords.  When full, the oldest record is
// overwritten.  Every appended record gets an id one larger than the
// previous one, and ids keep increasing across Clear.
type Log struct {
	records    []LogRecord
	numRecords int
	maxRecords int
	id         int64
	cvs        map[*sync.Cond]bool
	mx         sync.Mutex
}

func (log *Log) lock() {
	log.mx.Lock()
}

func (log *Log) unlock() {
	log.mx.Unlock()
}

// Append stores the record, assigning its id (and time, if unset).  The
// stored copy is returned.
func (log *Log) Append(rec LogRecord) LogRecord {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	log.lock()
	log.id++
	rec.Id = log.id
	log.records[log.numRecords%log.maxRecords] = rec
	// NB: numRecords may actually be more than maxRecords.
	// In that case, we've looped, but we use this really to
	// track the next index.
	log.numRecords++
	for cv := range log.cvs {
		cv.Broadcast()
	}
	log.unlock()
	return rec
}

// Clear discards all retained records.  Records already handed out are
// not affected.
func (log *Log) Clear() {
	log.lock()
	for i := range log.records {
		log.records[i] = LogRecord{}
	}
	log.numRecords = 0
	// We presume that we cannot add new records more quickly than
	// once every nanosecond.
	if now := time.Now().UnixNano(); now > log.id {
		log.id = now
	} else {
		log.id++
	}
	for cv := range log.cvs {
		cv.Broadcast()
	}
	log.unlock()
}

// Len returns the number of records currently retained.
func (log *Log) Len() int {
	log.lock()
	defer log.unlock()
	if log.numRecords > log.maxRecords {
		return log.maxRecords
	}
	return log.numRecords
}

// Cap returns the maximum number of records retained.
func (log *Log) Cap() int {
	return log.maxRecords
}

// snapshot must be called with the lock held.
func (log *Log) snapshot(limit int) []LogRecord {
	cnt := log.numRecords
	if cnt > log.maxRecords {
		cnt = log.maxRecords
	}
	if limit > 0 && limit < cnt {
		cnt = limit
	}
	recs := make([]LogRecord, 0, cnt)
	index := log.numRecords - cnt
	for j := 0; j < cnt; j++ {
		recs = append(recs, log.records[index%log.maxRecords])
		index++
	}
	return recs
}

// Records returns up to limit of the most recent records, oldest first.
// A limit of zero or less returns everything retained.
func (log *Log) Records(limit int) []LogRecord {
	log.lock()
	defer log.unlock()
	return log.snapshot(limit)
}

// GetRecords returns the records that are stored, as well as an ID
// suitable for use as an Etag.  The last parameter can be the last ID
// that was checked, in which case this function will return nil immediately
// if the log has not changed since that ID was returned, without duplicating
// any records.
func (log *Log) GetRecords(last int64) ([]LogRecord, int64) {
	log.lock()
	defer log.unlock()
	if log.id == last {
		return nil, last
	}
	return log.snapshot(0), log.id
}

// Watch waits until the log changes from the last ID, or the expiration
// passes, and returns the current ID.  An expiration of zero is a poll.
func (log *Log) Watch(last int64, expire time.Duration) int64 {
	expired := false
	var timer *time.Timer
	cv := sync.NewCond(&log.mx)
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			log.lock()
			expired = true
			cv.Broadcast()
			log.unlock()
		})
	} else {
		expired = true
	}

	log.lock()
	log.cvs[cv] = true
	for log.id == last && !expired {
		cv.Wait()
	}
	delete(log.cvs, cv)
	last = log.id
	log.unlock()
	if timer != nil {
		timer.Stop()
	}
	return last
}

// NewLog returns a Log holding at most maxRecords records.  A value of
// zero or less selects MaxLogRecords.
func NewLog(maxRecords int) *Log {
	if maxRecords <= 0 {
		maxRecords = MaxLogRecords
	}
	return &Log{
		records:    make([]LogRecord, maxRecords),
		maxRecords: maxRecords,
		id:         time.Now().UnixNano(),
		cvs:        make(map[*sync.Cond]bool),
	}
}
