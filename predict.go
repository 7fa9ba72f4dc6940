package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/PhilippMaxx/emotion-transformer/IO"
	"github.com/PhilippMaxx/emotion-transformer/params"
	"github.com/PhilippMaxx/emotion-transformer/transformer"
)

// RunPredict classifies messages typed on stdin, keeping the last two
// messages as conversation context the way the training data does.
func RunPredict(ctx context.Context, log *logrus.Entry, cfg params.Config, checkpoint string) error {
	model, meta, err := transformer.LoadCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	tok, err := IO.LoadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return fmt.Errorf("tokenizer: %w", err)
	}
	log.WithFields(logrus.Fields{
		"checkpoint": checkpoint,
		"epoch":      meta.Epoch,
	}).Info("ready")
	fmt.Println("Type a message and press enter. :reset clears the conversation, :quit exits.")

	var turn1, turn2 string
	in := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for in.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(in.Text())
		switch line {
		case "":
			fmt.Print("> ")
			continue
		case ":quit", ":q":
			return nil
		case ":reset":
			turn1, turn2 = "", ""
			fmt.Println("conversation cleared")
			fmt.Print("> ")
			continue
		}

		ids, err := encodeTurns(tok, [3]string{turn1, turn2, line}, cfg.MaxSeqLen)
		if err != nil {
			log.WithError(err).Warn("could not encode input")
			fmt.Print("> ")
			continue
		}
		if id := maxTurnID(ids); id >= model.Enc.VocabSize {
			return fmt.Errorf("token id %d exceeds model vocabulary %d; the tokenizer does not match this checkpoint",
				id, model.Enc.VocabSize)
		}
		pred, dist := model.Predict(ids)
		fmt.Printf("%s (%.1f%%)\n", params.LabelName(pred), dist[pred]*100)

		turn1, turn2 = turn2, line
		fmt.Print("> ")
	}
	return in.Err()
}

func encodeTurns(tok *IO.Tokenizer, turns [3]string, maxLen int) ([3][]int, error) {
	var ids [3][]int
	for i, text := range turns {
		enc, err := tok.Encode(text, maxLen)
		if err != nil {
			return ids, err
		}
		ids[i] = enc
	}
	return ids, nil
}

func maxTurnID(ids [3][]int) int {
	max := -1
	for _, turn := range ids {
		for _, id := range turn {
			if id > max {
				max = id
			}
		}
	}
	return max
}
