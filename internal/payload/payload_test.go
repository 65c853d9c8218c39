package payload

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"trmnlpush/internal/state"
)

var fixedTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func reading(id, value string, attrs map[string]any) *state.Reading {
	return &state.Reading{EntityID: id, State: value, Attributes: attrs}
}

func TestNormalizeValue(t *testing.T) {
	tests := []struct {
		input    string
		expected any
	}{
		{"1.23", 1.2},
		{"1.56", 1.6},
		{"612", 612.0},
		{" 21.04 ", 21.0},
		{"-3.45", -3.5},
		{"0.25", 0.2},
		{"unavailable", "unavailable"},
		{"unknown", "unknown"},
		{"on", "on"},
		{"", ""},
		{"NaN", "NaN"},
		{"inf", "inf"},
		{"0x1p-2", "0x1p-2"},
		{"-0X10", "-0X10"},
		{"+0x1A", "+0x1A"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := NormalizeValue(tt.input); got != tt.expected {
				t.Errorf("NormalizeValue(%q) = %#v; want %#v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestCleanFriendlyName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Temperature Sensor", "Temperature"},
		{"Indoor Module Humidity", "Indoor  Humidity"},
		{"sensor Office CO2", "Office CO2"},
		{"Sensor", ""},
		{"Kitchen", "Kitchen"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := CleanFriendlyName(tt.input); got != tt.expected {
				t.Errorf("CleanFriendlyName(%q) = %q; want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestBuild(t *testing.T) {
	t.Run("NilReading", func(t *testing.T) {
		if e := Build(nil, RolePrimary, "", false); e != nil {
			t.Errorf("Build(nil) = %+v; want nil", e)
		}
	})

	t.Run("InvalidEntityID", func(t *testing.T) {
		if e := Build(reading("nodot", "1", nil), RolePrimary, "", false); e != nil {
			t.Errorf("Build(nodot) = %+v; want nil", e)
		}
	})

	t.Run("TitleCasedFallbackName", func(t *testing.T) {
		e := Build(reading("sensor.test_sensor", "1.23", nil), "sensor_1", "", false)
		if e == nil {
			t.Fatal("Build returned nil")
		}
		if e.Name != "Test Sensor" {
			t.Errorf("Name = %q; want Test Sensor", e.Name)
		}
		if e.Val != 1.2 {
			t.Errorf("Val = %#v; want 1.2", e.Val)
		}
		if e.Type != "sensor_1" {
			t.Errorf("Type = %q; want sensor_1", e.Type)
		}
		if e.ID != "" {
			t.Errorf("ID = %q; want empty without includeID", e.ID)
		}
	})

	t.Run("FriendlyNameCleanup", func(t *testing.T) {
		e := Build(reading("sensor.t", "20", map[string]any{
			state.AttrFriendlyName: "Temperature Sensor",
		}), "", "", false)
		if e.Name != "Temperature" {
			t.Errorf("Name = %q; want Temperature", e.Name)
		}
		if e.Type != RoleAdditional {
			t.Errorf("Type = %q; want %s", e.Type, RoleAdditional)
		}
	})

	t.Run("FriendlyNameOnlyNoise", func(t *testing.T) {
		e := Build(reading("sensor.hall_thermometer", "20", map[string]any{
			state.AttrFriendlyName: "Sensor",
		}), "", "", false)
		if e.Name != "Hall Thermometer" {
			t.Errorf("Name = %q; want Hall Thermometer", e.Name)
		}
	})

	t.Run("CustomNameWins", func(t *testing.T) {
		e := Build(reading("sensor.t", "20", map[string]any{
			state.AttrFriendlyName: "Temperature Sensor",
		}), "", "  Living Room  ", false)
		if e.Name != "Living Room" {
			t.Errorf("Name = %q; want Living Room", e.Name)
		}

		e = Build(reading("sensor.t", "20", map[string]any{
			state.AttrFriendlyName: "Temperature Sensor",
		}), "", "   ", false)
		if e.Name != "Temperature" {
			t.Errorf("blank custom name: Name = %q; want Temperature", e.Name)
		}
	})

	t.Run("IncludeID", func(t *testing.T) {
		e := Build(reading("sensor.office_co2", "612", nil), RolePrimary, "", true)
		if e.ID != "office_co2" {
			t.Errorf("ID = %q; want office_co2", e.ID)
		}
	})

	t.Run("PassThroughAttributes", func(t *testing.T) {
		e := Build(reading("sensor.co2", "unavailable", map[string]any{
			state.AttrUnit:        "ppm",
			state.AttrIcon:        "mdi:molecule-co2",
			state.AttrDeviceClass: "carbon_dioxide",
		}), RolePrimary, "", false)
		if e.Val != "unavailable" {
			t.Errorf("Val = %#v; want unavailable", e.Val)
		}
		if e.Unit == nil || *e.Unit != "ppm" || e.Icon != "mdi:molecule-co2" || e.DeviceClass != "carbon_dioxide" {
			t.Errorf("attributes not copied: %+v", e)
		}
	})

	t.Run("Battery", func(t *testing.T) {
		low := Build(reading("sensor.a", "1", map[string]any{state.AttrBattery: 20}), "", "", false)
		if low.Battery == nil || *low.Battery != 20 {
			t.Errorf("Battery = %v; want 20", low.Battery)
		}

		ok := Build(reading("sensor.a", "1", map[string]any{state.AttrBattery: 30}), "", "", false)
		if ok.Battery != nil {
			t.Errorf("Battery = %v; want omitted", *ok.Battery)
		}

		bad := Build(reading("sensor.a", "1", map[string]any{state.AttrBattery: "n/a"}), "", "", false)
		if bad.Battery != nil {
			t.Error("non-numeric battery should be omitted")
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		r := reading("sensor.co2", "612.34", map[string]any{state.AttrUnit: "ppm", state.AttrBattery: 10})
		a, _ := json.Marshal(Build(r, RolePrimary, "", true))
		b, _ := json.Marshal(Build(r, RolePrimary, "", true))
		if string(a) != string(b) {
			t.Errorf("Build is not deterministic: %s vs %s", a, b)
		}
	})
}

func TestEntityJSON(t *testing.T) {
	e := Build(reading("sensor.co2", "612", map[string]any{
		state.AttrUnit:    "ppm",
		state.AttrBattery: 20,
	}), RolePrimary, "", false)
	e.Primary = true

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	for _, key := range []string{"val", "type", "u", "n", "bat", "primary"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	for _, key := range []string{"id", "i", "device_class"} {
		if _, ok := decoded[key]; ok {
			t.Errorf("unexpected key %q in %s", key, data)
		}
	}
}

func newTestStore() *state.MemoryStore {
	store := state.NewMemoryStore()
	store.Set(reading("sensor.office_co2", "612.44", map[string]any{
		state.AttrUnit:         "ppm",
		state.AttrFriendlyName: "Office CO2 Sensor",
		state.AttrDeviceClass:  "carbon_dioxide",
	}))
	store.Set(reading("sensor.office_temperature", "21.56", map[string]any{
		state.AttrUnit:         "°C",
		state.AttrFriendlyName: "Office Temperature",
	}))
	store.Set(reading("sensor.office_humidity", "45", map[string]any{
		state.AttrUnit: "%",
	}))
	return store
}

func TestAssembleNoPrimary(t *testing.T) {
	a := NewAssembler(newTestStore(), nil).WithClock(func() time.Time { return fixedTime })

	_, err := a.Assemble(Selection{
		Primary:   Ref{EntityID: "sensor.missing"},
		Secondary: []Ref{{EntityID: "sensor.office_temperature", Role: "sensor_1"}},
	}, false)
	if !errors.Is(err, ErrPrimaryUnavailable) {
		t.Errorf("err = %v; want ErrPrimaryUnavailable", err)
	}

	_, err = a.Assemble(Selection{}, false)
	if !errors.Is(err, ErrPrimaryUnavailable) {
		t.Errorf("empty selection err = %v; want ErrPrimaryUnavailable", err)
	}
}

func TestAssemblePrimaryAndSecondary(t *testing.T) {
	a := NewAssembler(newTestStore(), nil).WithClock(func() time.Time { return fixedTime })

	res, err := a.Assemble(Selection{
		Primary: Ref{EntityID: "sensor.office_co2", Role: RolePrimary},
		Secondary: []Ref{
			{EntityID: "sensor.office_temperature", Name: "Desk", Role: "sensor_1"},
			{EntityID: "", Role: "sensor_2"},
			{EntityID: "sensor.gone", Role: "sensor_3"},
		},
	}, false)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	mv := res.Document.MergeVariables
	if mv.Count != 2 || len(mv.Entities) != 2 {
		t.Fatalf("Count = %d, entities = %d; want 2", mv.Count, len(mv.Entities))
	}
	if !mv.Entities[0].Primary || mv.Entities[0].Type != RolePrimary {
		t.Errorf("first entity should be the primary: %+v", mv.Entities[0])
	}
	if mv.Entities[1].Primary {
		t.Error("secondary should not be marked primary")
	}
	if mv.Entities[1].Name != "Desk" {
		t.Errorf("secondary Name = %q; want Desk", mv.Entities[1].Name)
	}
	if mv.CO2Value != 612.4 || mv.CO2Unit != "ppm" {
		t.Errorf("co2 = %v %s; want 612.4 ppm", mv.CO2Value, mv.CO2Unit)
	}
	if mv.Timestamp != "2024-03-01T12:00:00Z" {
		t.Errorf("Timestamp = %q", mv.Timestamp)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "sensor.gone" {
		t.Errorf("Skipped = %v", res.Skipped)
	}
	if res.Size != len(res.Body) {
		t.Errorf("Size = %d; body is %d bytes", res.Size, len(res.Body))
	}

	var decoded Document
	if err := json.Unmarshal(res.Body, &decoded); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if decoded.MergeVariables.Count != 2 {
		t.Errorf("encoded count = %d", decoded.MergeVariables.Count)
	}
}

func TestAssembleDefaultUnit(t *testing.T) {
	store := state.NewMemoryStore()
	store.Set(reading("sensor.co2", "500", nil))

	res, err := NewAssembler(store, nil).Assemble(Selection{Primary: Ref{EntityID: "sensor.co2"}}, false)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if res.Document.MergeVariables.CO2Unit != DefaultCO2Unit {
		t.Errorf("CO2Unit = %q; want ppm", res.Document.MergeVariables.CO2Unit)
	}
	if res.Document.MergeVariables.Entities[0].Type != RolePrimary {
		t.Errorf("Type = %q; want %s", res.Document.MergeVariables.Entities[0].Type, RolePrimary)
	}
}

func TestAssembleEmptyUnitKept(t *testing.T) {
	store := state.NewMemoryStore()
	store.Set(reading("sensor.co2", "500", map[string]any{state.AttrUnit: ""}))

	res, err := NewAssembler(store, nil).Assemble(Selection{Primary: Ref{EntityID: "sensor.co2"}}, false)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if res.Document.MergeVariables.CO2Unit != "" {
		t.Errorf("CO2Unit = %q; want empty", res.Document.MergeVariables.CO2Unit)
	}

	var decoded struct {
		MergeVariables struct {
			Entities []map[string]any `json:"entities"`
		} `json:"merge_variables"`
	}
	if err := json.Unmarshal(res.Body, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if u, ok := decoded.MergeVariables.Entities[0]["u"]; !ok || u != "" {
		t.Errorf("u = %v (present %v); want empty string", u, ok)
	}
}

// bigStore returns a primary plus n secondaries whose names make the document large
func bigStore(n int) (*state.MemoryStore, Selection) {
	store := state.NewMemoryStore()
	store.Set(reading("sensor.co2", "700", map[string]any{state.AttrUnit: "ppm"}))

	sel := Selection{Primary: Ref{EntityID: "sensor.co2", Role: RolePrimary}}
	for i := 1; i <= n; i++ {
		id := "sensor.temp_" + strings.Repeat("x", i)
		store.Set(reading(id, "12.34", map[string]any{
			state.AttrUnit:         "°C",
			state.AttrFriendlyName: "Thermometer " + strings.Repeat("long name ", 20),
			state.AttrIcon:         "mdi:thermometer",
		}))
		sel.Secondary = append(sel.Secondary, Ref{EntityID: id, Role: RoleForSlot(i)})
	}
	return store, sel
}

func TestAssembleTrimsToLimit(t *testing.T) {
	store, sel := bigStore(12)
	a := NewAssembler(store, nil).WithClock(func() time.Time { return fixedTime })

	res, err := a.Assemble(sel, true)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if res.Size > MaxPayloadSize {
		t.Errorf("Size = %d; want <= %d", res.Size, MaxPayloadSize)
	}
	if len(res.Dropped) == 0 {
		t.Fatal("expected some secondaries to be dropped")
	}

	mv := res.Document.MergeVariables
	if !mv.Entities[0].Primary {
		t.Error("primary must survive trimming")
	}
	if mv.Count != len(mv.Entities) {
		t.Errorf("Count = %d; entities = %d", mv.Count, len(mv.Entities))
	}

	// Kept secondaries are a prefix of the priority order
	for i, id := range res.Included[1:] {
		if id != sel.Secondary[i].EntityID {
			t.Errorf("Included[%d] = %s; want %s", i+1, id, sel.Secondary[i].EntityID)
		}
	}
	if len(res.Included)-1+len(res.Dropped) != len(sel.Secondary) {
		t.Errorf("included %d + dropped %d != %d secondaries", len(res.Included)-1, len(res.Dropped), len(sel.Secondary))
	}

	// Body matches the reported document
	encoded, _ := res.Document.Encode()
	if string(encoded) != string(res.Body) {
		t.Error("Body does not match the final document")
	}
}

func TestAssembleFirstFitStopsAtOverflow(t *testing.T) {
	store := state.NewMemoryStore()
	store.Set(reading("sensor.co2", "700", map[string]any{state.AttrUnit: "ppm"}))
	store.Set(reading("sensor.a", "1", nil))
	store.Set(reading("sensor.b", "2", map[string]any{
		state.AttrFriendlyName: strings.Repeat("Huge ", 60),
	}))
	store.Set(reading("sensor.c", "3", nil))

	clock := func() time.Time { return fixedTime }
	withoutB, err := NewAssembler(store, nil).WithClock(clock).Assemble(Selection{
		Primary:   Ref{EntityID: "sensor.co2"},
		Secondary: []Ref{{EntityID: "sensor.a"}, {EntityID: "sensor.c"}},
	}, false)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	// C alone would fit after A, but B overflows first
	a := NewAssembler(store, nil).WithClock(clock).WithLimit(withoutB.Size)
	res, err := a.Assemble(Selection{
		Primary:   Ref{EntityID: "sensor.co2"},
		Secondary: []Ref{{EntityID: "sensor.a"}, {EntityID: "sensor.b"}, {EntityID: "sensor.c"}},
	}, false)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if got := strings.Join(res.Included, ","); got != "sensor.co2,sensor.a" {
		t.Errorf("Included = %s; want sensor.co2,sensor.a", got)
	}
	if got := strings.Join(res.Dropped, ","); got != "sensor.b,sensor.c" {
		t.Errorf("Dropped = %s; want sensor.b,sensor.c", got)
	}
	if res.Size > a.Limit() {
		t.Errorf("Size = %d over limit %d", res.Size, a.Limit())
	}
}

func TestAssemblePrimaryTooLarge(t *testing.T) {
	store, sel := bigStore(2)
	a := NewAssembler(store, nil).WithLimit(64)

	_, err := a.Assemble(sel, false)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("err = %v; want ErrPayloadTooLarge", err)
	}
}

func TestExplicitSelector(t *testing.T) {
	s := ExplicitSelector{
		Primary:     "sensor.co2",
		PrimaryName: "CO2",
		Slots: []Slot{
			{EntityID: "sensor.temp", Name: "Temp"},
			{EntityID: ""},
			{EntityID: "sensor.hum"},
		},
	}

	sel := s.Select(state.NewMemoryStore())
	if sel.Primary.EntityID != "sensor.co2" || sel.Primary.Name != "CO2" || sel.Primary.Role != RolePrimary {
		t.Errorf("Primary = %+v", sel.Primary)
	}
	if len(sel.Secondary) != 2 {
		t.Fatalf("Secondary = %+v", sel.Secondary)
	}
	if sel.Secondary[0].Role != "sensor_1" || sel.Secondary[0].Name != "Temp" {
		t.Errorf("Secondary[0] = %+v", sel.Secondary[0])
	}
	if sel.Secondary[1].Role != "sensor_3" {
		t.Errorf("Secondary[1].Role = %q; want sensor_3", sel.Secondary[1].Role)
	}
}

func TestKeywordSelector(t *testing.T) {
	store := state.NewMemoryStore()
	for _, id := range []string{
		"sensor.weather_station_wind_strength",
		"sensor.weather_station_temperature",
		"sensor.weather_station_carbon_dioxide",
		"sensor.weather_station_noise",
		"sensor.weather_station_humidity",
		"light.weather_station_lamp",
		"sensor.kitchen_temperature",
	} {
		store.SetState(id, "1")
	}
	store.Set(reading("sensor.node_7", "4", map[string]any{state.AttrFriendlyName: "Garden Thermometer"}))

	sel := KeywordSelector{Primary: "sensor.weather_station_carbon_dioxide"}.Select(store)
	var ids []string
	for _, ref := range sel.Secondary {
		ids = append(ids, ref.EntityID)
		if ref.Role != RoleAdditional {
			t.Errorf("%s role = %q", ref.EntityID, ref.Role)
		}
	}
	want := "sensor.weather_station_temperature,sensor.weather_station_humidity,sensor.weather_station_wind_strength,sensor.weather_station_noise"
	if got := strings.Join(ids, ","); got != want {
		t.Errorf("Secondary = %s; want %s", got, want)
	}

	sel = KeywordSelector{Primary: "sensor.weather_station_carbon_dioxide", IncludeOutdoor: true, Limit: 2}.Select(store)
	if len(sel.Secondary) != 2 {
		t.Errorf("Limit not applied: %+v", sel.Secondary)
	}

	sel = KeywordSelector{Primary: "sensor.x", IncludeOutdoor: true}.Select(store)
	found := false
	for _, ref := range sel.Secondary {
		if ref.EntityID == "sensor.node_7" {
			found = true
		}
	}
	if !found {
		t.Error("outdoor friendly name should be matched")
	}
}

func TestSensorPriority(t *testing.T) {
	if SensorPriority("sensor.x_carbon_dioxide") != 0 {
		t.Error("carbon_dioxide should be first")
	}
	if SensorPriority("sensor.x_rain") != 4 {
		t.Error("rain should be 4")
	}
	if SensorPriority("sensor.other") != len(PrioritySensors) {
		t.Error("unknown sensors sort last")
	}
}
