package service

import (
	"context"
	"strings"

	"connectrpc.com/connect"
)

// Client Env服务的Go客户端，供外部决策程序与集成测试使用
type Client struct {
	spec  *connect.Client[SpecRequest, SpecResponse]
	reset *connect.Client[ResetRequest, ResetResponse]
	step  *connect.Client[StepRequest, StepResponse]
}

// NewClient 创建客户端
// 参数：httpClient-HTTP客户端，baseURL-服务地址（如http://localhost:51102）
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append(opts, connect.WithCodec(jsonCodec{}))
	return &Client{
		spec:  connect.NewClient[SpecRequest, SpecResponse](httpClient, baseURL+EnvServiceSpecProcedure, opts...),
		reset: connect.NewClient[ResetRequest, ResetResponse](httpClient, baseURL+EnvServiceResetProcedure, opts...),
		step:  connect.NewClient[StepRequest, StepResponse](httpClient, baseURL+EnvServiceStepProcedure, opts...),
	}
}

func (c *Client) Spec(ctx context.Context) (*SpecResponse, error) {
	res, err := c.spec.CallUnary(ctx, connect.NewRequest(&SpecRequest{}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *Client) Reset(ctx context.Context) ([]float64, error) {
	res, err := c.reset.CallUnary(ctx, connect.NewRequest(&ResetRequest{}))
	if err != nil {
		return nil, err
	}
	return res.Msg.Observation, nil
}

func (c *Client) Step(ctx context.Context, action []int) (*StepResponse, error) {
	res, err := c.step.CallUnary(ctx, connect.NewRequest(&StepRequest{Action: action}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}
