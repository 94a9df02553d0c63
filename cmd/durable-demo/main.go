// Command durable-demo is a worked example of a durable workflow
// deployment: an order workflow that reserves inventory, waits for a
// payment signal, charges with retries, and ships via a child
// workflow.
//
// Run the migrations, start an order and run a worker:
//
//	durable-demo migrate --database-url $DATABASE_URL
//	durable-demo start order '{"sku":"a-1","qty":2}'
//	durable-demo worker --procs 4
//
// Then release it:
//
//	durable-demo signal <id> payment '{"amount": 42}'
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	durable "github.com/grantjenks/go-durable"
	"github.com/grantjenks/go-durable/cli"
	"github.com/grantjenks/go-durable/retry"
)

func main() {
	reg := durable.NewRegistry()
	must(reg.RegisterActivity("reserve", reserve))
	must(reg.RegisterActivity("charge", charge,
		durable.WithRetryPolicy(retry.Policy{MaximumAttempts: 5, InitialInterval: 2}),
		durable.WithActivityTimeout(5*time.Minute)))
	must(reg.RegisterActivity("ship", ship,
		durable.WithHeartbeatTimeout(30*time.Second)))
	must(reg.RegisterWorkflow("order", orderWorkflow,
		durable.WithWorkflowTimeout(24*time.Hour)))
	must(reg.RegisterWorkflow("shipment", shipmentWorkflow))

	if err := cli.New(reg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func orderWorkflow(ctx *durable.Context, input map[string]any) (any, error) {
	if _, err := ctx.RunActivity("reserve", nil, input["sku"], input["qty"]); err != nil {
		return nil, err
	}
	payment, err := ctx.WaitSignal("payment")
	if err != nil {
		return nil, err
	}
	receipt, err := ctx.RunActivity("charge", nil, payment)
	if err != nil {
		return nil, err
	}
	tracking, err := ctx.RunChildWorkflow("shipment", nil, map[string]any{
		"sku": input["sku"],
		"qty": input["qty"],
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"receipt": receipt, "tracking": tracking}, nil
}

func shipmentWorkflow(ctx *durable.Context, input map[string]any) (any, error) {
	// Give the warehouse a beat to batch labels.
	if err := ctx.Sleep(10 * time.Second); err != nil {
		return nil, err
	}
	return ctx.RunActivity("ship", nil, input["sku"], input["qty"])
}

func reserve(_ context.Context, act *durable.Activity) (any, error) {
	return map[string]any{"reserved": act.Arg(0)}, nil
}

func charge(_ context.Context, act *durable.Activity) (any, error) {
	return map[string]any{"charged": act.Arg(0)}, nil
}

func ship(ctx context.Context, act *durable.Activity) (any, error) {
	if err := act.Heartbeat(ctx, "labelling"); err != nil {
		return nil, err
	}
	return map[string]any{"tracking": fmt.Sprintf("TRK-%d", act.TaskID)}, nil
}
