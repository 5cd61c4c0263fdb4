package connection

import (
	"context"
	"fmt"
)

// Send issues method on c and decodes the result into res.Result.
// Pass a nil res to discard the result.
func Send[Result any](c Connection, ctx context.Context, res *RPCResponse[Result], method string, params ...any) error {
	rawRes, err := c.Send(ctx, method, params...)
	if err != nil {
		return err
	}

	if res == nil {
		return nil
	}

	if rawRes.ID != nil {
		res.ID = rawRes.ID
	}
	res.Error = rawRes.Error

	if rawRes.Result == nil {
		res.Result = nil
		return nil
	}

	var r Result
	if err := c.GetUnmarshaler().Unmarshal(*rawRes.Result, &r); err != nil {
		return fmt.Errorf("Send: error unmarshaling %s result: %w", method, err)
	}

	res.Result = &r

	return nil
}

// Call is Send for callers that only want the decoded result.
func Call[Result any](c Connection, ctx context.Context, method string, params ...any) (Result, error) {
	var res RPCResponse[Result]
	var zero Result
	if err := Send(c, ctx, &res, method, params...); err != nil {
		return zero, err
	}
	if res.Result == nil {
		return zero, nil
	}
	return *res.Result, nil
}
