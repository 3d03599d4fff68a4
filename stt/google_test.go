package stt

import (
	"testing"

	"cloud.google.com/go/speech/apiv2/speechpb"
)

func TestConfigRequestHandshake(t *testing.T) {
	config := GoogleConfig{
		ProjectID: "proj",
		Location:  "us",
		Model:     "chirp_3",
		Languages: []string{"en-US"},
	}

	request := configRequest(config)

	if request.Recognizer != "projects/proj/locations/us/recognizers/_" {
		t.Errorf("unexpected recognizer: %s", request.Recognizer)
	}

	streaming := request.GetStreamingConfig()
	if streaming == nil {
		t.Fatal("expected a streaming config message")
	}

	decoding := streaming.Config.GetExplicitDecodingConfig()
	if decoding == nil {
		t.Fatal("expected explicit decoding config")
	}
	if decoding.Encoding != speechpb.ExplicitDecodingConfig_LINEAR16 {
		t.Errorf("unexpected encoding: %v", decoding.Encoding)
	}
	if decoding.SampleRateHertz != 48000 {
		t.Errorf("unexpected sample rate: %d", decoding.SampleRateHertz)
	}
	if decoding.AudioChannelCount != 2 {
		t.Errorf("unexpected channel count: %d", decoding.AudioChannelCount)
	}

	if streaming.Config.Model != "chirp_3" {
		t.Errorf("unexpected model: %s", streaming.Config.Model)
	}
	if len(streaming.Config.LanguageCodes) != 1 ||
		streaming.Config.LanguageCodes[0] != "en-US" {
		t.Errorf("unexpected languages: %v", streaming.Config.LanguageCodes)
	}
	if !streaming.Config.Features.EnableAutomaticPunctuation {
		t.Error("expected automatic punctuation to be enabled")
	}
	if !streaming.StreamingFeatures.EnableVoiceActivityEvents {
		t.Error("expected voice activity events to be enabled")
	}
	if !streaming.StreamingFeatures.InterimResults {
		t.Error("expected interim results to be enabled")
	}
}

func TestAudioRequestCarriesPayloadOnly(t *testing.T) {
	request := audioRequest([]byte{1, 2, 3})

	if request.Recognizer != "" {
		t.Errorf(
			"audio request must not repeat the recognizer, got %q",
			request.Recognizer,
		)
	}
	audio := request.GetAudio()
	if len(audio) != 3 || audio[0] != 1 || audio[2] != 3 {
		t.Errorf("unexpected audio payload: %v", audio)
	}
}

func TestTopAlternative(t *testing.T) {
	empty := topAlternative(&speechpb.StreamingRecognizeResponse{})
	if empty.Text != "" || empty.IsFinal {
		t.Errorf("expected empty result for empty response, got %+v", empty)
	}

	partial := topAlternative(&speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{
			{
				Alternatives: []*speechpb.SpeechRecognitionAlternative{
					{Transcript: " hello there ", Confidence: 0.5},
					{Transcript: "hollow here", Confidence: 0.2},
				},
			},
		},
	})
	if partial.Text != "hello there" {
		t.Errorf("expected trimmed top alternative, got %q", partial.Text)
	}
	if partial.IsFinal {
		t.Error("expected partial result")
	}

	final := topAlternative(&speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{
			{
				IsFinal: true,
				Alternatives: []*speechpb.SpeechRecognitionAlternative{
					{Transcript: "done.", Confidence: 0.9},
				},
			},
		},
	})
	if !final.IsFinal || final.Text != "done." {
		t.Errorf("unexpected final result: %+v", final)
	}
	if final.Confidence < 0.89 || final.Confidence > 0.91 {
		t.Errorf("unexpected confidence: %f", final.Confidence)
	}
}
