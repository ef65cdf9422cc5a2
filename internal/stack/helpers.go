package stack

// CloneServiceMap creates a deep copy of the provided service map, preserving
// declaration order.
func CloneServiceMap(services ServiceMap) ServiceMap {
	out := ServiceMap{}
	if len(services.Order) == 0 {
		return out
	}
	out.Order = append([]string(nil), services.Order...)
	out.Specs = make(map[string]*Service, len(services.Specs))
	for name, svc := range services.Specs {
		out.Specs[name] = svc.Clone()
	}
	return out
}
