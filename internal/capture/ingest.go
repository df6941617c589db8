package capture

import (
	"encoding/json"
	"net/http"
)

// maxIngestBody bounds one pushed frame or audio buffer
const maxIngestBody = 8 << 20

// FrameRequest is the body of POST /frame
type FrameRequest struct {
	Image  string `json:"image"` // base64 encoded JPEG or PNG
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// AudioRequest is the body of POST /audio
type AudioRequest struct {
	Audio string `json:"audio"` // base64 encoded 16-bit PCM
}

// IngestHandler lets a host that owns the camera and microphone push into d
// over HTTP. POST /frame takes a FrameRequest and POST /audio an
// AudioRequest. Accepted pushes answer 202 even when the stream was full and
// the packet dropped, so a slow session never backs up the host.
func IngestHandler(d *PushDevice) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/frame", func(w http.ResponseWriter, r *http.Request) {
		var req FrameRequest
		if !decodeIngest(w, r, &req) {
			return
		}
		if req.Image == "" {
			http.Error(w, "image is required", http.StatusBadRequest)
			return
		}
		if err := d.PushVideo(req.Image, req.Width, req.Height); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/audio", func(w http.ResponseWriter, r *http.Request) {
		var req AudioRequest
		if !decodeIngest(w, r, &req) {
			return
		}
		if err := d.PushAudio(req.Audio); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func decodeIngest(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(v); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}
