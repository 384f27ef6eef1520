package common

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// process-global stats server

type msLatencyMsg struct {
	name string
	x    int64
}

type snapshotMsg struct {
	stats map[string]int64
	done  chan bool
}

var initOnce sync.Once
var statsChan chan any = make(chan any, 256)

func initTaskOnce() {
	initOnce.Do(func() {
		go statsTask()
	})
}

func statsTask() {
	msCounts := make(map[string]int64)
	msSums := make(map[string]int64)

	for raw := range statsChan {
		switch msg := raw.(type) {
		case *msLatencyMsg:
			msCounts[msg.name] += 1
			msSums[msg.name] += msg.x
		case *snapshotMsg:
			for k, cnt := range msCounts {
				msg.stats[k+".cnt"] = cnt
				msg.stats[k+".ms-avg"] = msSums[k] / cnt
			}
			msg.done <- true
		default:
			panic(fmt.Sprintf("unkown type: %T", msg))
		}
	}
}

func record(name string, x int64) {
	initTaskOnce()
	statsChan <- &msLatencyMsg{name, x}
}

func SnapshotStats() map[string]int64 {
	initTaskOnce()
	stats := make(map[string]int64)
	done := make(chan bool)
	statsChan <- &snapshotMsg{stats, done}
	<-done
	return stats
}

type Latency struct {
	name         string
	t0           time.Time
	Milliseconds int64
}

// record start time
func T0(name string) *Latency {
	return &Latency{
		name: name,
		t0:   time.Now(),
	}
}

// measure latency to end time, and record it
func (l *Latency) T1() {
	l.Milliseconds = int64(time.Since(l.t0)) / 1000000
	if l.Milliseconds < 0 {
		panic("negative latency")
	}
	record(l.name, l.Milliseconds)

	// make sure we didn't double record
	var zero time.Time
	if l.t0 == zero {
		panic("double counted stat for " + l.name)
	}
	l.t0 = zero

	if Conf != nil && Conf.Trace.Latency {
		log.Printf("%s=%d ms", l.name, l.Milliseconds)
	}
}

// start measuring a sub latency
func (l *Latency) T0(name string) *Latency {
	return T0(l.name + "/" + name)
}

func Max(x int, y int) int {
	if x > y {
		return x
	}

	return y
}

func Min(x int, y int) int {
	if x < y {
		return x
	}

	return y
}
