package stt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/charmbracelet/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	"scribe.zone/pace"
)

var (
	ErrSessionClosed   = errors.New("stt: session closed")
	ErrAudioBufferFull = errors.New("stt: audio buffer full")
)

type GoogleConfig struct {
	ProjectID string
	Location  string
	Model     string
	Languages []string
}

func (c GoogleConfig) endpoint() string {
	return fmt.Sprintf("%s-speech.googleapis.com:443", c.Location)
}

func (c GoogleConfig) recognizer() string {
	return fmt.Sprintf(
		"projects/%s/locations/%s/recognizers/_",
		c.ProjectID,
		c.Location,
	)
}

// GoogleClient opens streaming recognition sessions against Google Cloud
// Speech v2. Each session dials its own connection with a freshly acquired
// bearer token.
type GoogleClient struct {
	config GoogleConfig
	tokens BearerSource
	logger *log.Logger
}

func NewGoogleClient(
	config GoogleConfig,
	tokens BearerSource,
	logger *log.Logger,
) (*GoogleClient, error) {
	if config.ProjectID == "" {
		return nil, fmt.Errorf("google speech: project id is required")
	}
	if config.Location == "" {
		config.Location = "us"
	}
	if config.Model == "" {
		config.Model = "chirp_3"
	}
	if len(config.Languages) == 0 {
		config.Languages = []string{"en-US"}
	}

	return &GoogleClient{
		config: config,
		tokens: tokens,
		logger: logger,
	}, nil
}

func (c *GoogleClient) Start(ctx context.Context) (LiveSession, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session token: %w", err)
	}

	conn, err := grpc.NewClient(
		c.config.endpoint(),
		grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to speech service: %w", err)
	}

	md := metadata.Pairs(
		"authorization", "Bearer "+token,
		"x-goog-user-project", c.config.ProjectID,
	)
	streamCtx, cancel := context.WithCancel(
		metadata.NewOutgoingContext(ctx, md),
	)

	stream, err := speechpb.NewSpeechClient(conn).StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("open recognize stream: %w", err)
	}

	// The configuration handshake must precede any audio.
	if err := stream.Send(configRequest(c.config)); err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("send recognition config: %w", err)
	}

	session := &googleSession{
		stream:  stream,
		conn:    conn,
		cancel:  cancel,
		logger:  c.logger,
		results: make(chan Result),
		audio:   make(chan []byte, 100),
	}

	go session.sendLoop()
	go session.recvLoop()

	c.logger.Debug(
		"opened recognition session",
		"endpoint", c.config.endpoint(),
		"model", c.config.Model,
	)

	return session, nil
}

func configRequest(config GoogleConfig) *speechpb.StreamingRecognizeRequest {
	return &speechpb.StreamingRecognizeRequest{
		Recognizer: config.recognizer(),
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
							Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
							SampleRateHertz:   pace.SampleRate,
							AudioChannelCount: pace.Channels,
						},
					},
					LanguageCodes: config.Languages,
					Model:         config.Model,
					Features: &speechpb.RecognitionFeatures{
						EnableAutomaticPunctuation: true,
					},
				},
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{
					InterimResults:            true,
					EnableVoiceActivityEvents: true,
				},
			},
		},
	}
}

// audioRequest wraps one paced chunk. Only the initial config message names
// the recognizer; audio messages carry the payload alone.
func audioRequest(data []byte) *speechpb.StreamingRecognizeRequest {
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{
			Audio: data,
		},
	}
}

type googleSession struct {
	stream speechpb.Speech_StreamingRecognizeClient
	conn   *grpc.ClientConn
	cancel context.CancelFunc
	logger *log.Logger

	results chan Result
	audio   chan []byte

	mu       sync.Mutex
	closed   bool
	stopOnce sync.Once

	errMu sync.Mutex
	err   error
}

// SendAudio queues one paced chunk for delivery. It never blocks; a full
// buffer means the remote side has stalled and the session should be
// abandoned.
func (s *googleSession) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	select {
	case s.audio <- data:
		return nil
	default:
		return ErrAudioBufferFull
	}
}

func (s *googleSession) Receive() <-chan Result {
	return s.results
}

func (s *googleSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Stop ends the outbound side of the stream. Audio already queued is still
// flushed before CloseSend. Duplicate calls are no-ops.
func (s *googleSession) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.audio)
	})
	return nil
}

func (s *googleSession) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *googleSession) sendLoop() {
	var failed bool
	for data := range s.audio {
		if failed {
			continue
		}

		if err := s.stream.Send(audioRequest(data)); err != nil {
			failed = true
			s.setErr(fmt.Errorf("send audio: %w", err))
			s.logger.Error("failed to send audio", "error", err)
			s.Stop()
		}
	}

	if err := s.stream.CloseSend(); err != nil {
		s.logger.Debug("close send", "error", err)
	}
}

func (s *googleSession) recvLoop() {
	defer func() {
		close(s.results)
		s.cancel()
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("close connection", "error", err)
		}
	}()

	for {
		response, err := s.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			s.setErr(fmt.Errorf("recognition stream: %w", err))
			s.logger.Error("recognition stream failed", "error", err)
			s.Stop()
			return
		}

		s.results <- topAlternative(response)
	}
}

// topAlternative extracts the top result's top alternative. Responses with
// no transcript (voice activity events, acks) become empty Results so that
// inbound traffic is still observable.
func topAlternative(response *speechpb.StreamingRecognizeResponse) Result {
	if len(response.Results) == 0 {
		return Result{}
	}

	top := response.Results[0]
	if len(top.Alternatives) == 0 {
		return Result{IsFinal: top.IsFinal}
	}

	alternative := top.Alternatives[0]
	return Result{
		Text:       strings.TrimSpace(alternative.Transcript),
		IsFinal:    top.IsFinal,
		Confidence: float64(alternative.Confidence),
	}
}
