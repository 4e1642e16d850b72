// Package sentencepiece fills some missing functionality from github.com/eliben/go-sentencepiece
// and adds the fixed-length encoding used to batch question pairs.
package sentencepiece

import (
	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
)

type Processor struct {
	*esentencepiece.Processor
}

func NewFromPath(vocabPath string) (*Processor, error) {
	proc, err := esentencepiece.NewProcessorFromPath(vocabPath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece")
	}
	return &Processor{
		Processor: proc,
	}, nil
}

type Token = esentencepiece.Token

// EncodeAsIds returns the text encoded into a sequence of ids.
func (p *Processor) EncodeAsIds(text string) []int {
	tokens := p.Processor.Encode(text)
	return xslices.Map(tokens, func(t Token) int { return t.ID })
}

// DecodeIds returns the text from a sequence of ids.
func (p *Processor) DecodeIds(ids []int) string {
	return p.Processor.Decode(ids)
}

// EncodePadded tokenizes text into exactly maxLen ids, wrapped in "bos" and
// "eos", truncated or padded on the right with the "pad" id. The mask is 1
// for real tokens and 0 for padding, matching the attention-mask convention
// of the encoder.
func (p *Processor) EncodePadded(text string, maxLen int) (ids, mask []int32) {
	tokenIds := p.EncodeAsIds(text)
	if len(tokenIds) > maxLen-2 {
		tokenIds = tokenIds[:maxLen-2]
	}
	wrapped := make([]int, 0, len(tokenIds)+2)
	wrapped = append(wrapped, p.BeginningOfSentenceId())
	wrapped = append(wrapped, tokenIds...)
	wrapped = append(wrapped, p.EndOfSentenceId())
	return padToLength(wrapped, maxLen, p.PadId())
}

// padToLength truncates or right-pads ids to maxLen, returning the ids and
// the corresponding attention mask.
func padToLength(ids []int, maxLen, padId int) (padded, mask []int32) {
	padded = make([]int32, maxLen)
	mask = make([]int32, maxLen)
	for ii := range maxLen {
		if ii < len(ids) {
			padded[ii] = int32(ids[ii])
			mask[ii] = 1
		} else {
			padded[ii] = int32(padId)
		}
	}
	return
}

// The special token ids below follow the XLM-RoBERTa convention used by the
// E5 family: <s>=0, <pad>=1, </s>=2, <unk>=3.

// BeginningOfSentenceId returns the corresponding token, aka "bos".
//
// TODO: read from tokenizer model instead.
func (p *Processor) BeginningOfSentenceId() int {
	return 0
}

// EndOfSentenceId returns the corresponding token, aka "eos".
//
// TODO: read from tokenizer model instead.
func (p *Processor) EndOfSentenceId() int {
	return 2
}

// UnknownId returns the corresponding token, aka "unk".
//
// TODO: read from tokenizer model instead.
func (p *Processor) UnknownId() int {
	return 3
}

// PadId returns the corresponding token, aka "pad".
//
// TODO: read from tokenizer model instead.
func (p *Processor) PadId() int {
	return 1
}
