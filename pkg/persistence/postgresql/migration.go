package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Published workflow definitions, immutable per (id, version)
			CREATE TABLE workflow_definitions (
				id VARCHAR(255) NOT NULL,
				version INT NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				steps JSONB NOT NULL,
				dependencies JSONB,
				retry_policy JSONB,
				sla_seconds INT NOT NULL DEFAULT 0,
				metadata JSONB,
				published_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_by VARCHAR(255) NOT NULL DEFAULT '',
				PRIMARY KEY (id, version)
			);

			CREATE INDEX idx_workflow_definitions_published_at ON workflow_definitions(published_at);

			-- Run snapshots, one row per run
			CREATE TABLE runs (
				id VARCHAR(255) PRIMARY KEY,
				definition_id VARCHAR(255) NOT NULL,
				definition_version INT NOT NULL,
				status VARCHAR(50) NOT NULL,
				step_states JSONB NOT NULL,
				context JSONB,
				requested_by VARCHAR(255) NOT NULL DEFAULT '',
				deadline TIMESTAMP WITH TIME ZONE,
				sla_breached_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				ended_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_runs_definition_id ON runs(definition_id);
			CREATE INDEX idx_runs_status ON runs(status);
			CREATE INDEX idx_runs_updated_at ON runs(updated_at);

			-- Approval tickets, one per (run, approval step)
			CREATE TABLE approval_tickets (
				id VARCHAR(255) PRIMARY KEY,
				run_id VARCHAR(255) NOT NULL,
				step_id VARCHAR(255) NOT NULL,
				decision VARCHAR(50) NOT NULL,
				decided_by VARCHAR(255) NOT NULL DEFAULT '',
				comment TEXT NOT NULL DEFAULT '',
				requested_at TIMESTAMP WITH TIME ZONE NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE,
				decided_at TIMESTAMP WITH TIME ZONE,
				expired_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (run_id, step_id)
			);

			CREATE INDEX idx_approval_tickets_run_id ON approval_tickets(run_id);
			CREATE INDEX idx_approval_tickets_decision ON approval_tickets(decision);
		`,
	}
}
