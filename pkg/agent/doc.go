// Package agent assembles a running privacy agent from its parts.
//
// The agent polls the process list, classifies interesting new processes
// into activities, feeds classification outcomes into a health monitor and
// drives the privacy state machine, whose allow-set is applied to the packet
// filter. Connections outside the allow-set can still be admitted by a
// running activity between state machine ticks.
//
// Basic usage:
//
//	res := config.Load(config.DefaultPath, ".env")
//	a := agent.NewAgent(agent.AgentConfig{
//	    Config:       res.Config,
//	    PacketSource: queue, // nil keeps the agent in monitoring-only mode
//	})
//	err := a.Run(ctx)
//
// Every collaborator the agent talks to (process lister, download status,
// readiness probe, firewall, state store, journal) can be replaced through
// AgentConfig.
package agent
