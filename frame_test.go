package lightstreamer

import (
	"strings"
	"testing"
)

func TestFrameReader_ReadFrame(t *testing.T) {
	testCases := []struct {
		name   string
		input  string
		expect []string
	}{
		{
			name:   "single frame",
			input:  "WSOK\r\n",
			expect: []string{"WSOK"},
		},
		{
			name:   "multiple frames",
			input:  "WSOK\r\nCONOK,S1,50000,5000,*\r\n",
			expect: []string{"WSOK", "CONOK,S1,50000,5000,*"},
		},
		{
			name:   "empty stream",
			input:  "",
			expect: nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewFrameReader(strings.NewReader(tc.input))
			var got []string
			for {
				frame, err := r.ReadFrame()
				if err != nil {
					break
				}
				got = append(got, frame)
			}
			if len(got) != len(tc.expect) {
				t.Fatalf("got %v frames, want %v", got, tc.expect)
			}
			for i := range got {
				if got[i] != tc.expect[i] {
					t.Errorf("frame %d: got %q, want %q", i, got[i], tc.expect[i])
				}
			}
		})
	}
}

func TestFrameReader_MidFrameEOF(t *testing.T) {
	r := NewFrameReader(strings.NewReader("WSOK\r\nCONOK,S1"))
	if _, err := r.ReadFrame(); err != nil {
		t.Fatalf("unexpected error on first frame: %v", err)
	}
	if _, err := r.ReadFrame(); err == nil {
		t.Error("expected an error for a stream that ends mid-frame")
	}
}

func TestSplitFrames(t *testing.T) {
	testCases := []struct {
		name   string
		input  string
		expect []string
	}{
		{"single, no trailing crlf", "PROBE", []string{"PROBE"}},
		{"two frames", "PROBE\r\nSYNC,10", []string{"PROBE", "SYNC,10"}},
		{"empty", "", nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := SplitFrames([]byte(tc.input))
			if len(got) != len(tc.expect) {
				t.Fatalf("got %v, want %v", got, tc.expect)
			}
			for i := range got {
				if got[i] != tc.expect[i] {
					t.Errorf("frame %d: got %q, want %q", i, got[i], tc.expect[i])
				}
			}
		})
	}
}

func TestEncodeFrame(t *testing.T) {
	got := string(EncodeFrame("wsok"))
	want := "wsok\r\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
