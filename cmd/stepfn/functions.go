package main

import (
	"context"
	"fmt"
	"time"

	"goa.design/stepfn/runtime/function"
	"goa.design/stepfn/runtime/step"
)

// demoEvent is the event payload accepted by the demo functions.
type demoEvent struct {
	Name  string `json:"name"`
	Items int    `json:"items"`
}

// demoFunctions returns the functions served by the command.
func demoFunctions() []*function.Definition[demoEvent] {
	return []*function.Definition[demoEvent]{
		{
			ID:      "hello-world",
			Name:    "Hello World",
			Trigger: function.OnEvent("demo/hello"),
			Handler: helloWorld,
		},
		{
			ID:      "order-pipeline",
			Name:    "Order Pipeline",
			Trigger: function.OnEvent("demo/order.created").If("event.data.items > 0"),
			Retries: function.RetryPolicy{Attempts: 5},
			Handler: orderPipeline,
		},
	}
}

func helloWorld(ctx context.Context, in *function.Input[demoEvent], tool *step.Tool) (any, error) {
	greeting, err := step.Run(ctx, tool, "greet", func(context.Context) (string, error) {
		name := in.Event.Data.Name
		if name == "" {
			name = "world"
		}
		return "hello " + name, nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"message": greeting}, nil
}

func orderPipeline(ctx context.Context, in *function.Input[demoEvent], tool *step.Tool) (any, error) {
	reserved, err := step.Run(ctx, tool, "reserve-stock", func(context.Context) (int, error) {
		if in.Event.Data.Items <= 0 {
			return 0, step.Errorf("order has no items")
		}
		return in.Event.Data.Items, nil
	})
	if err != nil {
		return nil, err
	}
	if err := step.Sleep(ctx, tool, "settle", time.Second); err != nil {
		return nil, err
	}
	receipt, err := step.Run(ctx, tool, "charge", func(context.Context) (string, error) {
		return fmt.Sprintf("%s-%d", in.Ctx.RunID, reserved), nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"reserved": reserved, "receipt": receipt}, nil
}
