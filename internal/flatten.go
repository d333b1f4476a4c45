package internal

import "strconv"

// Flatten takes a nested payload and returns a single level map keyed by path.
// Object keys are joined with "." and array elements are addressed as "key[i]";
// arrays are also kept whole under both "key" and "key[]".
// For example, `{"bounce": {"type": "hard"}}` becomes `{"bounce.type": "hard"}`.
func Flatten(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		flattenInto(out, key, value)
	}
	return out
}

func flattenInto(out map[string]interface{}, path string, value interface{}) {
	switch typed := value.(type) {
	case map[string]interface{}:
		if len(typed) == 0 {
			out[path] = typed
			return
		}
		for key, child := range typed {
			flattenInto(out, path+"."+key, child)
		}
	case []interface{}:
		out[path] = typed
		out[path+"[]"] = typed
		for i, child := range typed {
			flattenInto(out, path+"["+strconv.Itoa(i)+"]", child)
		}
	default:
		out[path] = value
	}
}
