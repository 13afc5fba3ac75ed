// File: cmd/orchestrate.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/countygis/agentcore/internal/observability"
	"github.com/countygis/agentcore/internal/service"
)

// runWithCore builds the components for one command invocation, runs fn and
// shuts everything down afterwards.
func runWithCore(cmd *cobra.Command, factory service.ComponentFactory, fn func(ctx context.Context, c *service.Components) error) error {
	cfg, err := getConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	components, err := factory.Create(ctx, cfg, observability.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	return fn(ctx, components)
}

func newDispatchCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		requestType   string
		action        string
		payload       string
		priority      string
		correlationID string
		requester     string
	)

	dispatchCmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch a request to the best agent for its type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := parsePayload(payload)
			if err != nil {
				return err
			}
			prio, err := parsePriorityFlag(priority)
			if err != nil {
				return err
			}
			req := schemas.AgentRequest{
				Type:     requestType,
				Action:   action,
				Priority: prio,
				Payload:  body,
				Metadata: schemas.RequestMetadata{
					CorrelationID: correlationID,
					Requester:     requester,
				},
			}

			return runWithCore(cmd, factory, func(ctx context.Context, c *service.Components) error {
				resp := c.Core.DispatchRequest(ctx, req)
				if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
				if !resp.Success {
					if resp.Error != nil {
						return fmt.Errorf("dispatch failed: %w", resp.Error)
					}
					return fmt.Errorf("dispatch failed: %s", resp.Message)
				}
				return nil
			})
		},
	}

	dispatchCmd.Flags().StringVarP(&requestType, "type", "t", "", "Request type used for routing (required)")
	dispatchCmd.Flags().StringVarP(&action, "action", "a", "", "Action for the agent to perform")
	dispatchCmd.Flags().StringVarP(&payload, "payload", "p", "", "Request payload as a JSON object")
	dispatchCmd.Flags().StringVar(&priority, "priority", "medium", "Priority: low, medium, high or critical")
	dispatchCmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation id (generated when empty)")
	dispatchCmd.Flags().StringVar(&requester, "requester", "", "Requester recorded in the message payload")
	_ = dispatchCmd.MarkFlagRequired("type")
	return dispatchCmd
}

// messageFlags are shared by route and broadcast.
type messageFlags struct {
	messageType   string
	payload       string
	sender        string
	priority      string
	correlationID string
	ttl           time.Duration
}

func (f *messageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.messageType, "type", "t", "", "Message type (required)")
	cmd.Flags().StringVarP(&f.payload, "payload", "p", "", "Message payload as a JSON object")
	cmd.Flags().StringVar(&f.sender, "sender", "cli", "Sender recorded on the message")
	cmd.Flags().StringVar(&f.priority, "priority", "medium", "Priority: low, medium, high or critical")
	cmd.Flags().StringVar(&f.correlationID, "correlation-id", "", "Correlation id (generated when empty)")
	cmd.Flags().DurationVar(&f.ttl, "ttl", 0, "Expire the message after this duration (0 means never)")
	_ = cmd.MarkFlagRequired("type")
}

func (f *messageFlags) message(recipient string) (schemas.AgentMessage, error) {
	body, err := parsePayload(f.payload)
	if err != nil {
		return schemas.AgentMessage{}, err
	}
	prio, err := parsePriorityFlag(f.priority)
	if err != nil {
		return schemas.AgentMessage{}, err
	}
	msg := schemas.AgentMessage{
		Sender:        f.sender,
		Recipient:     recipient,
		MessageType:   f.messageType,
		Priority:      prio,
		Payload:       body,
		CorrelationID: f.correlationID,
	}
	if f.ttl > 0 {
		expires := time.Now().Add(f.ttl).UTC()
		msg.ExpiresAt = &expires
	}
	return msg, nil
}

func newRouteCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		flags     messageFlags
		recipient string
	)

	routeCmd := &cobra.Command{
		Use:   "route",
		Short: "Route a message to a specific agent and print its final state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := flags.message(recipient)
			if err != nil {
				return err
			}

			return runWithCore(cmd, factory, func(ctx context.Context, c *service.Components) error {
				id := c.Core.RouteMessage(ctx, msg)
				stored, err := c.Store.GetMessage(ctx, id)
				if err != nil {
					return fmt.Errorf("message %s was not persisted: %w", id, err)
				}
				if err := printJSON(cmd.OutOrStdout(), stored); err != nil {
					return err
				}
				if stored.Status == schemas.StatusFailed {
					return fmt.Errorf("message %s failed", id)
				}
				return nil
			})
		},
	}

	flags.register(routeCmd)
	routeCmd.Flags().StringVar(&recipient, "to", "", "Recipient agent id (required)")
	_ = routeCmd.MarkFlagRequired("to")
	return routeCmd
}

func newBroadcastCmd(factory service.ComponentFactory) *cobra.Command {
	var flags messageFlags

	broadcastCmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Send a message to every active agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := flags.message("")
			if err != nil {
				return err
			}

			return runWithCore(cmd, factory, func(ctx context.Context, c *service.Components) error {
				ids := c.Core.BroadcastMessage(ctx, msg)
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"count":       len(ids),
					"message_ids": ids,
				})
			})
		},
	}

	flags.register(broadcastCmd)
	return broadcastCmd
}

func newStatusCmd(factory service.ComponentFactory) *cobra.Command {
	var agentID string

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status, or one agent's status with --agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithCore(cmd, factory, func(ctx context.Context, c *service.Components) error {
				if agentID == "" {
					return printJSON(cmd.OutOrStdout(), c.Core.GetSystemStatus())
				}
				status, err := c.Core.GetAgentStatus(ctx, agentID)
				if err != nil {
					return fmt.Errorf("agent %q: %w", agentID, err)
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}

	statusCmd.Flags().StringVar(&agentID, "agent", "", "Agent id to inspect")
	return statusCmd
}
