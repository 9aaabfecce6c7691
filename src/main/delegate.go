package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"exam-ocr-llm/src/eventloop"
	"exam-ocr-llm/src/singleinstance"
)

// delegateRunOnce asks a running resident to do the capture. It reports
// delegated=false when no resident is listening.
func delegateRunOnce(ctx context.Context, toStdout bool, stdout io.Writer) (bool, error) {
	mode := singleinstance.ModeClipboard
	if toStdout {
		mode = singleinstance.ModeStdout
	}
	delegated, text, err := singleinstance.TryRunOnce(ctx, singleinstance.Addr(), mode)
	if !delegated {
		return false, nil
	}
	log.Printf("Run-once delegated to resident (mode=%s)", mode)
	if err != nil {
		return true, fmt.Errorf("resident: %w", err)
	}
	if toStdout {
		_, err = fmt.Fprintln(stdout, text)
	}
	return true, err
}

// residentTarget answers a delegated run-once request. Clipboard requests
// are copied by the resident itself.
type residentTarget struct {
	conn *singleinstance.Conn
	clip eventloop.Target
}

func (t residentTarget) OnSuccess(text string) error {
	if t.conn.Mode() == singleinstance.ModeStdout {
		return t.conn.RespondSuccess(text)
	}
	if err := t.clip.OnSuccess(text); err != nil {
		return err
	}
	return t.conn.RespondSuccess("")
}

func (t residentTarget) OnFailure(err error) {
	if rerr := t.conn.RespondError(err.Error()); rerr != nil {
		log.Printf("residentTarget: %v", rerr)
	}
}

func serveDelegated(ctx context.Context, srv *singleinstance.Server, loop *eventloop.Loop, clip eventloop.Target) {
	for {
		conn, err := srv.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				log.Printf("serveDelegated: %v", err)
			}
			return
		}
		loop.Trigger(residentTarget{conn: conn, clip: clip})
	}
}
