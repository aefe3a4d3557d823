package vad

// Event is the detector's verdict on one capture frame.
type Event struct {
	Kind Kind

	// Level is the detector's speech score for the frame, in [0, 1].
	Level float64
}

// Kind is the position of a frame relative to a stretch of speech.
type Kind uint8

const (
	Silence     Kind = iota // no speech
	SpeechStart             // first frame of a speech run
	Speaking                // speech continues
	SpeechEnd               // first frame after the run; not itself speech
)

var kindNames = [...]string{
	Silence:     "silence",
	SpeechStart: "speech_start",
	Speaking:    "speaking",
	SpeechEnd:   "speech_end",
}

// IsSpeech reports whether the frame is tagged as speech for the segmenter.
func (e Event) IsSpeech() bool {
	return e.Kind == SpeechStart || e.Kind == Speaking
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}
