// Package testutil holds fixtures shared by package tests. It must not import
// any internal package so every package can use it from its own tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/qmuntal/gltf"
)

// LandmarkJSON mirrors the wire form of one pose landmark
type LandmarkJSON struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// UniformLandmarks returns n landmarks at the frame centre with the given visibility
func UniformLandmarks(n int, visibility float64) []LandmarkJSON {
	out := make([]LandmarkJSON, n)
	for i := range out {
		out[i] = LandmarkJSON{X: 0.5, Y: 0.5, Visibility: visibility}
	}
	return out
}

// PoseServer is a fake pose-inference service
type PoseServer struct {
	*httptest.Server
	Requests atomic.Int32
}

// NewPoseServer serves POST /pose, answering with landmarks. A nil slice
// answers with no detection.
func NewPoseServer(t *testing.T, landmarks []LandmarkJSON) *PoseServer {
	t.Helper()
	ps := &PoseServer{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/pose":
			ps.Requests.Add(1)
			if err := r.ParseMultipartForm(10 << 20); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if _, _, err := r.FormFile("frame"); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]any{"error": "frame is required"})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"landmarks": landmarks})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ps.Close)
	return ps
}

// WriteWAV writes 16-bit PCM samples to a WAV file and returns its path
func WriteWAV(t *testing.T, dir string, samples []int, sampleRate, channels int) string {
	t.Helper()
	path := filepath.Join(dir, "input.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

// WriteScene writes a glTF document with one node per joint name and returns its path
func WriteScene(t *testing.T, dir string, joints []string) string {
	t.Helper()
	doc := gltf.NewDocument()
	children := make([]int, 0, len(joints))
	for _, name := range joints {
		doc.Nodes = append(doc.Nodes, &gltf.Node{Name: name})
		children = append(children, len(doc.Nodes)-1)
	}
	doc.Scenes[0].Nodes = children

	path := filepath.Join(dir, "avatar.gltf")
	if err := gltf.Save(doc, path); err != nil {
		t.Fatalf("save gltf: %v", err)
	}
	return path
}

// WriteFrames writes n placeholder JPEG files into dir
func WriteFrames(t *testing.T, dir string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		name := filepath.Join(dir, "frame_"+string(rune('a'+i))+".jpg")
		if err := os.WriteFile(name, []byte{0xFF, 0xD8, byte(i), 0xFF, 0xD9}, 0644); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
}
