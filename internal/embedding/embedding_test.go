package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/infvision/photosort/internal/imaging"
)

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for x := range 20 {
		for y := range 20 {
			img.Set(x, y, color.RGBA{uint8(x * 12), uint8(y * 12), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestEmbed_Success(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/embed/image" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("expected multipart upload: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"dim":       3,
			"embedding": []float32{0.1, 0.2, 0.3},
			"model":     "clip-ViT-B-32",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "clip-ViT-B-32")
	result, err := client.Embed(context.Background(), testJPEG(t))
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 server call, got %d", calls)
	}
	if len(result.Vector) != 3 || result.Dim != 3 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestEmbed_UndecodableSkipsNetwork(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	_, err := client.Embed(context.Background(), []byte("corrupt bytes"))
	if !errors.Is(err, imaging.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if calls != 0 {
		t.Errorf("corrupt image must not reach the server, got %d calls", calls)
	}
}

func TestEmbed_EmptyEmbedding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"dim": 0, "embedding": []float32{}})
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	if _, err := client.Embed(context.Background(), testJPEG(t)); err == nil {
		t.Fatal("expected error for empty embedding")
	}
}

func TestEmbed_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	if _, err := client.Embed(context.Background(), testJPEG(t)); err == nil {
		t.Fatal("expected error for server failure")
	}
}

func TestVersion(t *testing.T) {
	if got := NewClient("", "").Version(); got != "clip-ViT-B-32" {
		t.Errorf("default version = %s; want clip-ViT-B-32", got)
	}
	if got := NewClient("", "clip-ViT-L-14").Version(); got != "clip-ViT-L-14" {
		t.Errorf("version = %s; want clip-ViT-L-14", got)
	}
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1) > 1e-6 {
		t.Errorf("expected unit norm, got %f", math.Sqrt(norm))
	}
	if math.Abs(float64(v[0])-0.6) > 1e-6 {
		t.Errorf("expected first component 0.6, got %f", v[0])
	}
}

func TestNormalize_ZeroVector(t *testing.T) {
	v := Normalize([]float32{0, 0, 0})
	for _, x := range v {
		if x != 0 {
			t.Fatalf("zero vector must stay zero, got %v", v)
		}
	}
}

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name     string
		a        []float32
		b        []float32
		expected float64
		delta    float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 0.0, 0.001},
		{"opposite", []float32{1, 0, 0}, []float32{-1, 0, 0}, 2.0, 0.001},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 1.0, 0.001},
		{"similar", []float32{1, 1, 0}, []float32{1, 0, 0}, 0.293, 0.01},
		{"empty", []float32{}, []float32{}, 2.0, 0.001},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 2.0, 0.001},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 0, 0}, 2.0, 0.001},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineDistance(tc.a, tc.b)
			if math.Abs(got-tc.expected) > tc.delta {
				t.Errorf("CosineDistance(%v, %v) = %f; want %f", tc.a, tc.b, got, tc.expected)
			}
		})
	}
}
