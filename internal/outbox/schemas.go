package outbox

const activityRecordedSchema = `{
  "type": "object",
  "title": "ActivityRecorded",
  "properties": {
    "record_id": {"type": "string"},
    "owner_id": {"type": "string"},
    "category": {"type": "string"},
    "title": {"type": "string"},
    "source": {"type": "string"},
    "start_time": {"type": "string", "format": "date-time"},
    "end_time": {"type": "string", "format": "date-time"},
    "duration_minutes": {"type": "integer"}
  },
  "required": ["record_id", "owner_id", "category", "title", "source", "start_time", "end_time", "duration_minutes"],
  "additionalProperties": false
}`

const activityMergedSchema = `{
  "type": "object",
  "title": "ActivityMerged",
  "properties": {
    "record_id": {"type": "string"},
    "owner_id": {"type": "string"},
    "category": {"type": "string"},
    "title": {"type": "string"},
    "duration_minutes": {"type": "integer"},
    "added_minutes": {"type": "integer"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["record_id", "owner_id", "category", "title", "duration_minutes", "added_minutes", "occurred_at"],
  "additionalProperties": false
}`
