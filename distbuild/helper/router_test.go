package helper_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"github.com/baserock/distbuild"
	"github.com/baserock/distbuild/helper"
	"github.com/baserock/distbuild/mocks"
)

func TestRouterForwardsRequestAndPublishesResult(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	client.EXPECT().
		Do(gomock.Any(), helper.HTTPRequest{ID: "helper-1", URL: "http://cache.example/1.0/fetch", Method: "GET"}).
		Return(helper.HTTPResponse{ID: "helper-1", Status: 200, Body: []byte("ok")}, nil)

	loop := distbuild.NewEventLoop(nil)
	helper.NewRouter(loop, client, nil, nil)

	var got helper.Result
	seen := make(chan struct{})
	sink := distbuild.NewMachine(distbuild.NoState)
	sink.AddTransitions(distbuild.Transition{
		From:   distbuild.NoState,
		Source: distbuild.SourceHelperRouter,
		Event:  helper.Result{},
		To:     distbuild.NoState,
		Handle: func(_ interface{}, event interface{}) {
			got = event.(helper.Result)
			close(seen)
		},
	})
	loop.Register(sink)

	loop.QueueEvent(distbuild.SourceHelperRouter, helper.Request{Msg: helper.HTTPRequest{
		ID:     "helper-1",
		URL:    "http://cache.example/1.0/fetch",
		Method: "GET",
	}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() {
		select {
		case <-seen:
		case <-ctx.Done():
		}
		cancel()
	}()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("loop.Run: %v", err)
	}

	if got.Msg.Status != 200 || got.Msg.ID != "helper-1" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestRouterTranslatesClientErrorToBadGateway(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(helper.HTTPResponse{}, errors.New("connection refused"))

	loop := distbuild.NewEventLoop(nil)
	helper.NewRouter(loop, client, nil, nil)

	var got helper.Result
	seen := make(chan struct{})
	sink := distbuild.NewMachine(distbuild.NoState)
	sink.AddTransitions(distbuild.Transition{
		From:   distbuild.NoState,
		Source: distbuild.SourceHelperRouter,
		Event:  helper.Result{},
		To:     distbuild.NoState,
		Handle: func(_ interface{}, event interface{}) {
			got = event.(helper.Result)
			close(seen)
		},
	})
	loop.Register(sink)

	loop.QueueEvent(distbuild.SourceHelperRouter, helper.Request{Msg: helper.HTTPRequest{ID: "helper-2", URL: "http://x", Method: "GET"}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() {
		select {
		case <-seen:
		case <-ctx.Done():
		}
		cancel()
	}()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("loop.Run: %v", err)
	}

	if got.Msg.Status != 502 {
		t.Fatalf("expected 502, got %d", got.Msg.Status)
	}
}
