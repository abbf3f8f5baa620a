package dispatch

// ToolDefinition describes one callable function to the realtime model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Definitions lists the tools declared to the model at session start. Every
// name here must have a handler; Table.Validate enforces that at startup.
func Definitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "get_hospital_info",
			Description: "Look up general hospital information such as visiting hours, address, parking, insurance and billing.",
			Parameters: objectSchema(map[string]any{
				"topic": map[string]any{
					"type":        "string",
					"description": "Topic to look up, e.g. 'visiting hours'. Omit for a general overview.",
				},
			}),
		},
		{
			Name:        "find_department",
			Description: "Search hospital departments by name or description.",
			Parameters: objectSchema(map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Department name or keyword, e.g. 'cardiology'.",
				},
			}, "query"),
		},
		{
			Name:        "find_doctor",
			Description: "Search doctors by name or specialty.",
			Parameters: objectSchema(map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Doctor name or specialty, e.g. 'Dr. Mehta' or 'pediatrics'.",
				},
			}, "query"),
		},
		{
			Name:        "check_doctor_availability",
			Description: "Get the weekly consultation schedule for a doctor.",
			Parameters: objectSchema(map[string]any{
				"doctor": map[string]any{
					"type":        "string",
					"description": "Doctor name to check.",
				},
			}, "doctor"),
		},
		{
			Name:        "emergency_protocol",
			Description: "The caller has a medical emergency. Immediately routes the call to the emergency team.",
			Parameters: objectSchema(map[string]any{
				"emergencyType": map[string]any{
					"type":        "string",
					"description": "Type of emergency if stated: cardiac, trauma, ambulance or general.",
				},
			}),
		},
		{
			Name:        "transfer_to_operator",
			Description: "Transfer the caller to a human operator or a specific department's desk.",
			Parameters: objectSchema(map[string]any{
				"department": map[string]any{
					"type":        "string",
					"description": "Department to reach, e.g. 'billing'. Defaults to the front desk.",
				},
			}),
		},
	}
}
