package enforcement

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestEmbeddedPolicyIsUsable(t *testing.T) {
	if len(DataClassificationPatterns) == 0 {
		t.Fatal("Embedded policy data is empty. Did the build fail to include 'data_classification_patterns.yaml'?")
	}

	var dump map[string]interface{}
	if err := yaml.Unmarshal(DataClassificationPatterns, &dump); err != nil {
		t.Fatalf("Embedded data is not valid YAML: %v", err)
	}
	if _, ok := dump["classifications"]; !ok {
		t.Fatal("Embedded policy has no 'classifications' key")
	}
}
