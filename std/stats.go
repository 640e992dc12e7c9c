// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package std

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Stats holds process-wide tunnel counters, updated atomically from the
// server's and client's hot paths.
type Stats struct {
	SessionsCreated  int64
	SessionsTimedOut int64
	BytesUploaded    int64
	BytesDownloaded  int64
	BlockedWrites    int64
	ConnectErrors    int64
}

// header returns the CSV column names, in the same order as ToSlice.
func (s *Stats) header() []string {
	return []string{
		"SessionsCreated",
		"SessionsTimedOut",
		"BytesUploaded",
		"BytesDownloaded",
		"BlockedWrites",
		"ConnectErrors",
	}
}

// ToSlice renders a snapshot of the counters as strings, in header order.
func (s *Stats) ToSlice() []string {
	return []string{
		fmt.Sprint(atomic.LoadInt64(&s.SessionsCreated)),
		fmt.Sprint(atomic.LoadInt64(&s.SessionsTimedOut)),
		fmt.Sprint(atomic.LoadInt64(&s.BytesUploaded)),
		fmt.Sprint(atomic.LoadInt64(&s.BytesDownloaded)),
		fmt.Sprint(atomic.LoadInt64(&s.BlockedWrites)),
		fmt.Sprint(atomic.LoadInt64(&s.ConnectErrors)),
	}
}

func (s *Stats) String() string {
	values := s.ToSlice()
	header := s.header()
	out := ""
	for i := range header {
		if i > 0 {
			out += " "
		}
		out += header[i] + "=" + values[i]
	}
	return out
}

// StatsLogger periodically appends a CSV row of stats to a file named by
// expanding path as a time.Format pattern, the same "split into dir +
// strftime-ish filename" trick the teacher's SnmpLogger uses.
func StatsLogger(stats *Stats, path string, interval int) {
	if path == "" || interval == 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		logdir, logfile := filepath.Split(path)
		f, err := os.OpenFile(logdir+time.Now().Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Println(err)
			return
		}

		w := csv.NewWriter(f)
		if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
			if err := w.Write(append([]string{"Unix"}, stats.header()...)); err != nil {
				log.Println(err)
			}
		}
		if err := w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, stats.ToSlice()...)); err != nil {
			log.Println(err)
		}
		w.Flush()
		f.Close()
	}
}
