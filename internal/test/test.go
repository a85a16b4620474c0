package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	db "github.com/meow-io/go-courier/internal/db"
)

type ID [8]byte

func newID() ID {
	var id [8]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		fileInfo, err := os.Stat(f)
		if err != nil {
			panic(err)
		}

		if fileInfo.IsDir() {
			DeleteAll(path.Join(f, "*"))
		} else {
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		}
	}
}

func DBCleanup(run func() int) int {
	c := run()
	testCleanup()
	return c
}

func testCleanup() {
	DeleteAll("*-journal")
	DeleteAll("test-*")
}

// Clock is an offsettable clock for tests which need to move wall-clock time
// forward, such as message expiry tests.
type Clock struct {
	offsetMicro uint64
}

func NewClock() *Clock {
	return &Clock{0}
}

func (tc *Clock) CurrentTimeMicro() uint64 {
	return uint64(time.Now().UnixMicro()) + tc.offsetMicro
}

func (tc *Clock) CurrentTimeMs() uint64 {
	return tc.CurrentTimeMicro() / 1000
}

func (tc *Clock) CurrentTimeSec() uint64 {
	return tc.CurrentTimeMicro() / 1000000
}

func (tc *Clock) Now() time.Time {
	return time.Now().Add(time.Duration(tc.offsetMicro) * time.Microsecond)
}

func (tc *Clock) Advance(d time.Duration) {
	tc.offsetMicro += uint64(d / time.Microsecond)
}

func NewTestDatabase(c *config.Config) *db.Database {
	return NewTestDatabaseWithClock(c, clock.NewSystemClock())
}

func NewTestDatabaseWithClock(c *config.Config, cl clock.Clock) *db.Database {
	id := newID()
	path := fmt.Sprintf("test-%x", id[:])
	db, err := db.NewDatabase(c, cl, path)
	if err != nil {
		panic(err)
	}
	key := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}
	if err := db.Initialize(key); err != nil {
		panic(err)
	}
	if err := db.Open(key); err != nil {
		panic(err)
	}
	return db
}
