package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/unijord/flashlog"
	"github.com/unijord/flashlog/pkg/flash"
)

var (
	payloadSizes = []int{
		16,  // sensor sample
		64,  // IMU burst
		200, // GPS fix with extras
		480, // near a full 512B page
	}

	// AT45DB321D, 4MB
	benchGeometry = flash.Geometry{PageSize: 512, PagesPerBlock: 8, PageCount: 8192}
)

func benchLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func emulatorConfig() flash.EmulatorConfig {
	cfg := flash.DefaultEmulatorConfig()
	cfg.Geometry = benchGeometry
	return cfg
}

func openRecorder(t flash.Transport, policy flashlog.EraseAheadPolicy) *flashlog.Recorder {
	r, err := flashlog.Open(t,
		flashlog.WithLogger(benchLogger()),
		flashlog.WithGeometry(benchGeometry),
		flashlog.WithEraseAheadPolicy(policy),
		flashlog.WithWraparound(true),
	)
	if err != nil {
		panic(err)
	}
	if r.State() != flashlog.StateReady {
		panic(fmt.Sprintf("recorder %s", r.State()))
	}
	return r
}

// runAppend appends n records and returns the time taken and how many
// were dropped because erase-ahead fell behind.
func runAppend(r *flashlog.Recorder, n, size int, flushEvery int) (time.Duration, int) {
	if _, err := r.StartSession(); err != nil {
		panic(err)
	}
	payload := make([]byte, size)
	dropped := 0

	start := time.Now()
	for i := 0; i < n; i++ {
		payload[0] = byte(i)
		err := r.Append(flashlog.Tag(1+i%8), payload)
		if errors.Is(err, flashlog.ErrNotErased) {
			dropped++
		} else if err != nil {
			panic(err)
		}
		if flushEvery > 0 && (i+1)%flushEvery == 0 {
			if err := r.Flush(); err != nil {
				panic(err)
			}
		}
	}
	if err := r.EndSession(); err != nil {
		panic(err)
	}
	return time.Since(start), dropped
}

func BenchmarkAppend_Emulator(b *testing.B) {
	policies := []flashlog.EraseAheadPolicy{flashlog.EraseAheadBackground, flashlog.EraseAheadInline}

	for _, policy := range policies {
		for _, size := range payloadSizes {
			b.Run(fmt.Sprintf("%s_%dB", policy, size), func(b *testing.B) {
				em, err := flash.NewEmulator(emulatorConfig())
				if err != nil {
					b.Fatal(err)
				}
				r := openRecorder(em, policy)
				defer r.Close()

				b.SetBytes(int64(size))
				b.ResetTimer()
				_, dropped := runAppend(r, b.N, size, 0)
				b.ReportMetric(float64(dropped)/float64(b.N), "dropped/op")
			})
		}
	}
}

func BenchmarkAppend_Image(b *testing.B) {
	for _, size := range payloadSizes {
		for _, flushEvery := range []int{0, 1, 64} {
			b.Run(fmt.Sprintf("%dB_Flush%d", size, flushEvery), func(b *testing.B) {
				path := filepath.Join(b.TempDir(), "bench.img")
				img, err := flash.OpenImage(path, flash.ImageConfig{Emulator: emulatorConfig()})
				if err != nil {
					b.Fatal(err)
				}
				defer img.Close()
				r := openRecorder(img, flashlog.EraseAheadInline)
				defer r.Close()

				b.SetBytes(int64(size))
				b.ResetTimer()
				runAppend(r, b.N, size, flushEvery)
				if err := img.Sync(); err != nil {
					b.Fatal(err)
				}
			})
		}
	}
}

func BenchmarkRecovery(b *testing.B) {
	for _, sessions := range []int{1, 16, 128} {
		b.Run(fmt.Sprintf("Sessions%d", sessions), func(b *testing.B) {
			em, err := flash.NewEmulator(emulatorConfig())
			if err != nil {
				b.Fatal(err)
			}
			r := openRecorder(em, flashlog.EraseAheadInline)
			for i := 0; i < sessions; i++ {
				runAppend(r, 200, 64, 0)
			}
			if err := r.Close(); err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				r := openRecorder(em, flashlog.EraseAheadInline)
				b.StopTimer()
				r.Close()
				b.StartTimer()
			}
		})
	}
}
