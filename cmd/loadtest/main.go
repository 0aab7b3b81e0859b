// Command loadtest drives concurrent one-shot analyses against the gateway
// while a set of dashboard sockets listen for pushed events.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/mindmap/internal/audio"
	"github.com/hubenschmidt/mindmap/internal/env"
)

func main() {
	gateway := flag.String("gateway", env.Str("GATEWAY_URL", "http://localhost:8000"), "gateway base URL")
	dashboards := flag.String("dashboard", env.Str("DASHBOARD_URL", "ws://localhost:8000/ws/dashboard"), "dashboard WebSocket URL")
	concurrency := flag.Int("concurrency", 4, "number of concurrent uploaders")
	listeners := flag.Int("listeners", 2, "number of dashboard sockets")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	audioDir := flag.String("audio-dir", "/samples", "directory with sample audio files")
	flag.Parse()

	files, err := findAudioFiles(*audioDir)
	if err != nil || len(files) == 0 {
		fmt.Fprintf(os.Stderr, "no audio files in %s, generating synthetic audio\n", *audioDir)
		files = nil
	}

	fmt.Printf("Load test: %d uploaders, %d dashboards for %s\n", *concurrency, *listeners, *duration)
	fmt.Printf("Gateway: %s\n\n", *gateway)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var events atomic.Int64
	var lwg sync.WaitGroup
	for range *listeners {
		lwg.Add(1)
		go func() {
			defer lwg.Done()
			listen(ctx, *dashboards, &events)
		}()
	}

	var mu sync.Mutex
	var results []callResult
	var wg sync.WaitGroup
	client := &http.Client{Timeout: 5 * time.Minute}

	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				r := runAnalyze(client, *gateway, files)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	lwg.Wait()
	printSummary(results, events.Load())
}

type callResult struct {
	success bool
	status  int
	totalMs float64
	err     string
}

func runAnalyze(client *http.Client, gateway string, files []string) callResult {
	name, data := getAudioData(files)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", name)
	if err != nil {
		return callResult{err: fmt.Sprintf("form: %v", err)}
	}
	fw.Write(data)
	mw.Close()

	start := time.Now()
	resp, err := client.Post(gateway+"/analyze", mw.FormDataContentType(), &body)
	if err != nil {
		return callResult{err: fmt.Sprintf("post: %v", err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	r := callResult{status: resp.StatusCode, totalMs: float64(time.Since(start).Milliseconds())}
	if resp.StatusCode != http.StatusOK {
		r.err = resp.Status
		return r
	}
	r.success = true
	return r
}

// listen counts dashboard events until ctx ends.
func listen(ctx context.Context, url string, events *atomic.Int64) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dashboard dial: %v\n", err)
		return
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var ev struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &ev) == nil && ev.Type != "" {
			events.Add(1)
		}
	}
}

func getAudioData(files []string) (string, []byte) {
	if len(files) > 0 {
		path := files[rand.Intn(len(files))]
		data, err := os.ReadFile(path)
		if err == nil {
			return filepath.Base(path), data
		}
	}
	return "synthetic.wav", generateSyntheticAudio(3 * time.Second)
}

func generateSyntheticAudio(dur time.Duration) []byte {
	sampleRate := audio.AnalysisRate
	samples := make([]float32, int(dur.Seconds())*sampleRate)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		// 440Hz sine wave with some noise to trigger VAD
		samples[i] = float32(math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05)
	}
	return audio.SamplesToWAV(samples, sampleRate)
}

var audioExts = map[string]bool{".wav": true, ".mp3": true, ".ulaw": true, ".alaw": true, ".pcm": true}

func findAudioFiles(dir string) ([]string, error) {
	var files []string
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if audioExts[filepath.Ext(e.Name())] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

func printSummary(results []callResult, events int64) {
	var succeeded, failed int
	var latencies []float64
	byStatus := map[int]int{}

	for _, r := range results {
		byStatus[r.status]++
		if !r.success {
			failed++
			continue
		}
		succeeded++
		latencies = append(latencies, r.totalMs)
	}

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Analyses completed: %d\n", succeeded)
	fmt.Printf("Analyses failed:    %d\n", failed)
	fmt.Printf("Dashboard events:   %d\n", events)
	for status, n := range byStatus {
		if status != http.StatusOK {
			fmt.Printf("  status %d: %d\n", status, n)
		}
	}

	if len(latencies) == 0 {
		fmt.Println("No successful analyses to report latency")
		return
	}

	fmt.Printf("\n%-8s %8s %8s %8s\n", "Stage", "p50", "p95", "p99")
	fmt.Printf("%-8s %8.0fms %8.0fms %8.0fms\n", "analyze", percentile(latencies, 50), percentile(latencies, 95), percentile(latencies, 99))
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
