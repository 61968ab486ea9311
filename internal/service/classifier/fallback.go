package classifier

import (
	"context"
	"log"

	"github.com/zhouzirui/empath/backend/internal/model/emotion"
)

// Chain tries classifiers in order until one produces a reading. Input
// rejections stop the chain; backend faults move on to the next link.
type Chain struct {
	links []Classifier
}

// NewChain builds a chain from non-nil classifiers of the same modality.
func NewChain(links ...Classifier) *Chain {
	kept := make([]Classifier, 0, len(links))
	for _, c := range links {
		if c != nil {
			kept = append(kept, c)
		}
	}
	return &Chain{links: kept}
}

func (c *Chain) Name() string {
	if len(c.links) == 0 {
		return "chain(empty)"
	}
	name := "chain(" + c.links[0].Name()
	for _, l := range c.links[1:] {
		name += "," + l.Name()
	}
	return name + ")"
}

func (c *Chain) Modality() emotion.Modality {
	if len(c.links) == 0 {
		return ""
	}
	return c.links[0].Modality()
}

func (c *Chain) Classify(ctx context.Context, in Input) (emotion.Reading, error) {
	if len(c.links) == 0 {
		return emotion.Reading{}, ErrClassifierUnavailable
	}
	var lastErr error
	for _, link := range c.links {
		reading, err := link.Classify(ctx, in)
		if err == nil {
			return reading, nil
		}
		if IsRejection(err) || ctx.Err() != nil {
			return emotion.Reading{}, err
		}
		log.Printf("[classifier] %s failed, trying next: %v", link.Name(), err)
		lastErr = err
	}
	return emotion.Reading{}, lastErr
}
