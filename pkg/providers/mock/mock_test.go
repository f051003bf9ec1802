package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/ethiq/callguard/pkg/adapters/stt"
	"github.com/ethiq/callguard/pkg/frames"
	"github.com/ethiq/callguard/pkg/llm"
)

func TestScriptedSTT(t *testing.T) {
	o := NewSTT(STTConfig{
		Script:    []stt.Event{{Text: "bonjour"}, {Text: "votre banque", IsFinal: true}},
		EmitEvery: 2,
	})
	ch, err := o.Open(context.Background(), stt.Config{StreamID: "MZ1"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := ch.Send(frames.NewAudioFrame("MZ1", int64(i), []byte{byte(i)}, 8000, 1, nil)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	first, second := <-ch.Events(), <-ch.Events()
	if first.Text != "bonjour" || second.Text != "votre banque" || !second.IsFinal {
		t.Fatalf("unexpected script order %+v %+v", first, second)
	}
	_ = ch.Close()
	if err := ch.Send(frames.NewAudioFrame("MZ1", 5, nil, 8000, 1, nil)); !errors.Is(err, stt.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if len(o.Channels()[0].Frames()) != 4 {
		t.Fatalf("expected 4 frames recorded")
	}
}

func TestSTTFailureInjection(t *testing.T) {
	o := NewSTT(STTConfig{FailOpen: true})
	if _, err := o.Open(context.Background(), stt.Config{}); !errors.Is(err, stt.ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}

	o = NewSTT(STTConfig{Script: []stt.Event{{Text: "a"}}, FailAfter: 1})
	ch, _ := o.Open(context.Background(), stt.Config{})
	_ = ch.Send(frames.NewAudioFrame("", 0, nil, 8000, 1, nil))
	for range ch.Events() {
	}
	if !errors.Is(ch.Err(), stt.ErrChannelError) {
		t.Fatalf("expected ErrChannelError, got %v", ch.Err())
	}
}

func TestLLMRules(t *testing.T) {
	a := NewLLMAdapter(LLMConfig{Rules: map[string]string{"code": "Y"}})
	resp, _ := a.Generate(context.Background(), llm.UserPrompt("sys", "Donnez votre CODE banque"))
	if resp.Text != "Y" {
		t.Fatalf("expected rule match, got %q", resp.Text)
	}
	resp, _ = a.Generate(context.Background(), llm.UserPrompt("sys", "la banque ferme"))
	if resp.Text != "N" {
		t.Fatalf("expected default reply, got %q", resp.Text)
	}
	if len(a.Calls()) != 2 {
		t.Fatalf("expected 2 calls")
	}
}
