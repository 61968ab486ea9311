package cli

import (
	"context"
	"fmt"
	"log"

	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/empath/backend/internal/analysis/fusion"
	"github.com/zhouzirui/empath/backend/internal/config"
	"github.com/zhouzirui/empath/backend/internal/service/ai"
	"github.com/zhouzirui/empath/backend/internal/service/classifier"
	"github.com/zhouzirui/empath/backend/internal/service/imaging"
	"github.com/zhouzirui/empath/backend/internal/service/pipeline"
	"github.com/zhouzirui/empath/backend/internal/service/responder"
	"github.com/zhouzirui/empath/backend/internal/service/session"
	"github.com/zhouzirui/empath/backend/internal/service/speech"
)

// services is the assembled pipeline shared by every command.
type services struct {
	sessions   *session.Manager
	normalizer imaging.Normalizer
	facial     classifier.Classifier
	text       classifier.Classifier
	composer   *ai.Service
	speech     *speech.Service
	frames     *pipeline.Pipeline
	responder  *responder.Orchestrator
}

// buildServices wires collaborators from cfg. Missing credentials disable the
// matching collaborator instead of failing startup.
func buildServices(ctx context.Context, cfg *config.Config) (*services, error) {
	decay, err := fusion.DecayByName(cfg.Affect.Decay, cfg.Affect.StalenessWindow)
	if err != nil {
		return nil, err
	}
	engine := fusion.New(fusion.Config{StalenessWindow: cfg.Affect.StalenessWindow, Decay: decay})

	svc := &services{
		sessions: session.NewManager(session.Config{
			Engine:          engine,
			HistoryCapacity: cfg.Affect.HistoryCapacity,
			PushDelta:       cfg.Affect.PushDelta,
		}),
		normalizer: imaging.Passthrough{},
	}
	if cfg.Affect.Preprocess {
		svc.normalizer = imaging.NewStandard()
	}

	httpClient := classifier.NewHTTPClient(cfg.Classifier.Timeout)
	if cfg.Classifier.FacialURL != "" {
		svc.facial = classifier.Traced(classifier.NewFacial(cfg.Classifier.FacialURL, httpClient, nil))
	} else {
		log.Println("[cli] facial classifier URL not configured, frames will report unavailable")
	}

	var chatModel model.ChatModel
	if cfg.AI.Enabled() {
		chatModel, err = cfg.AI.NewChatModel(ctx)
		if err != nil {
			log.Printf("[cli] warning: failed to build chat model: %v", err)
			chatModel = nil
		}
	} else {
		log.Println("[cli] ark credentials not configured, replies will use the fallback")
	}

	textLinks := make([]classifier.Classifier, 0, 3)
	if cfg.Classifier.TextURL != "" {
		textLinks = append(textLinks, classifier.NewText(cfg.Classifier.TextURL, httpClient, nil))
	}
	if cfg.Classifier.LLMEnabled && chatModel != nil {
		llm, err := classifier.NewLLM(ctx, chatModel, nil)
		if err != nil {
			log.Printf("[cli] warning: llm text classifier disabled: %v", err)
		} else {
			textLinks = append(textLinks, llm)
		}
	}
	textLinks = append(textLinks, classifier.NewHeuristic(nil))
	svc.text = classifier.Traced(classifier.NewChain(textLinks...))

	var composer ai.Composer
	if chatModel != nil {
		svc.composer, err = ai.NewService(ctx, chatModel, ai.Options{HistoryLimit: cfg.AI.TranscriptTail})
		if err != nil {
			log.Printf("[cli] warning: reply composer disabled: %v", err)
			svc.composer = nil
		} else {
			composer = svc.composer
			log.Println("[cli] reply composer initialized")
		}
	}

	svc.speech = speech.NewService(speech.Config{
		AppID:       cfg.Speech.AppID,
		AccessToken: cfg.Speech.AccessToken,
		ASRURL:      cfg.Speech.ASRURL,
		TTSURL:      cfg.Speech.TTSURL,
		ASRLanguage: cfg.Speech.ASRLanguage,
		Voice:       cfg.Speech.TTSVoice,
		Speed:       cfg.Speech.TTSSpeed,
		Volume:      cfg.Speech.TTSVolume,
		TTSLanguage: cfg.Speech.TTSLanguage,
		Timeout:     cfg.Speech.Timeout,
	})
	if svc.speech == nil {
		log.Println("[cli] speech credentials not configured, voice turns disabled")
	}

	svc.frames = pipeline.New(svc.normalizer, svc.facial)
	svc.responder = responder.New(svc.text, composer, responder.Options{
		ReplyTimeout:   cfg.AI.ReplyTimeout,
		TranscriptTail: cfg.AI.TranscriptTail,
	})
	return svc, nil
}

func (s *services) requireFacial() error {
	if s.facial == nil {
		return fmt.Errorf("%w: set FACIAL_CLASSIFIER_URL", classifier.ErrClassifierUnavailable)
	}
	return nil
}
