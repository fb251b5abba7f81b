package simulate

import "testing"

func TestRunSingleTaskProgress(t *testing.T) {
	r := RunSingleTaskProgress()
	if !r.Passed {
		t.Errorf("single_task_progress failed: %+v", r.Metrics)
	}
}

func TestRunTwoTasksEqualPriority(t *testing.T) {
	r := RunTwoTasksEqualPriority()
	if !r.Passed {
		t.Errorf("two_tasks_equal_priority failed: %+v", r.Metrics)
	}
}

func TestRunMigrationHysteresis(t *testing.T) {
	r := RunMigrationHysteresis()
	if !r.Passed {
		t.Errorf("migration_hysteresis failed: %+v", r.Metrics)
	}
}

func TestRunPriorityInheritance(t *testing.T) {
	r := RunPriorityInheritance()
	if !r.Passed {
		t.Errorf("priority_inheritance failed: %+v", r.Metrics)
	}
}

func TestRunUnknownScenario(t *testing.T) {
	if _, err := Run("does_not_exist"); err == nil {
		t.Fatal("Run with an unknown name should return an error")
	}
}

func TestRunStampsRunID(t *testing.T) {
	r, err := Run(ScenarioSingleTaskProgress)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.RunID.String() == "" {
		t.Error("RunID should be populated")
	}
}

func TestAllRunsEveryScenario(t *testing.T) {
	results := All()
	if len(results) != 6 {
		t.Fatalf("All() returned %d results, want 6", len(results))
	}
	seen := make(map[string]bool)
	for _, r := range results {
		seen[r.Name] = true
	}
	for _, name := range []string{
		ScenarioSingleTaskProgress,
		ScenarioTwoTasksEqualPriority,
		ScenarioGamingVsBackground,
		ScenarioPriorityInheritance,
		ScenarioMigrationHysteresis,
		ScenarioSpinThenSleep,
	} {
		if !seen[name] {
			t.Errorf("All() missing scenario %q", name)
		}
	}
}
