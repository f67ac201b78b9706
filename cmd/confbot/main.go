// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Command confbot scripts a fleet of ClientEngine sessions against a
// live confd instance, for load-testing and integration verification.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/confdio/confd/clientengine"
	"github.com/confdio/confd/confadmin"
)

func main() {
	var (
		serverURL  string
		meetingID  string
		authToken  string
		numUsers   int
		duration   time.Duration
		adminURL   string
		adminKey   string
		pollEvery  time.Duration
		userPrefix string
	)
	flag.StringVar(&serverURL, "server", "http://localhost:8045", "Base URL of the confd instance.")
	flag.StringVar(&meetingID, "meeting", "confbot-meeting", "Meeting id every simulated participant joins.")
	flag.StringVar(&authToken, "token", "confbot", "Auth token presented on connect.")
	flag.IntVar(&numUsers, "users", 5, "Number of simulated participants.")
	flag.DurationVar(&duration, "duration", 30*time.Second, "How long to keep the session fleet connected.")
	flag.StringVar(&adminURL, "admin-url", "", "Base URL of the confadmin endpoint; empty disables snapshot polling.")
	flag.StringVar(&adminKey, "admin-key", "", "Shared secret for the confadmin endpoint.")
	flag.DurationVar(&pollEvery, "poll-every", 5*time.Second, "Interval between confadmin snapshot polls.")
	flag.StringVar(&userPrefix, "user-prefix", "bot", "Prefix used to derive each participant's user id.")
	flag.Parse()

	clients := make([]*clientengine.Client, 0, numUsers)
	for i := 0; i < numUsers; i++ {
		cli, err := clientengine.New(clientengine.Config{
			ServerURL:   serverURL,
			AuthToken:   authToken,
			MeetingID:   meetingID,
			UserID:      fmt.Sprintf("%s-%d", userPrefix, i),
			DisplayName: fmt.Sprintf("Confbot %d", i),
		})
		if err != nil {
			log.Fatalf("confbot: failed to build client %d: %s", i, err)
		}
		clients = append(clients, cli)
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	for i, cli := range clients {
		wg.Add(1)
		go func(i int, cli *clientengine.Client) {
			defer wg.Done()
			if err := cli.Connect(ctx); err != nil {
				log.Printf("confbot: client %d failed to connect: %s", i, err)
			}
		}(i, cli)
	}
	wg.Wait()

	log.Printf("confbot: %d participants connected to meeting %q", len(clients), meetingID)

	stopPoll := make(chan struct{})
	if adminURL != "" {
		go pollSnapshots(adminURL, adminKey, pollEvery, stopPoll)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-sig:
	}
	close(stopPoll)

	log.Printf("confbot: tearing down %d participants", len(clients))
	for i, cli := range clients {
		if err := cli.Close(); err != nil {
			log.Printf("confbot: client %d failed to close cleanly: %s", i, err)
		}
	}
}

func pollSnapshots(baseURL, key string, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := fetchSnapshot(baseURL, key); err != nil {
				log.Printf("confbot: snapshot poll failed: %s", err)
			}
		case <-stop:
			return
		}
	}
}

func fetchSnapshot(baseURL, key string) error {
	req, err := confadmin.Encode(confadmin.Request{Op: confadmin.OpSnapshot})
	if err != nil {
		return err
	}

	url := strings.TrimRight(baseURL, "/") + "/admin"
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(req))
	if err != nil {
		return err
	}
	httpReq.Header.Set(confadmin.AuthHeader, key)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	decoded, err := confadmin.DecodeResponse(buf)
	if err != nil {
		return fmt.Errorf("failed to decode snapshot response: %w", err)
	}
	if decoded.Error != "" {
		return fmt.Errorf("confadmin: %s", decoded.Error)
	}

	for _, m := range decoded.Meetings {
		log.Printf("confbot: meeting %s tier=%s participants=%d", m.MeetingID, m.Tier, m.Participants)
	}
	return nil
}
