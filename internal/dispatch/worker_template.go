package dispatch

// dispatchWorkerScript is the fixed dispatch-worker module installed once per
// account (spec.md §4.E). It runs on the edge platform, not in this Go
// process; this Go package only owns uploading it. The routing logic below
// encodes spec.md §4.E.3 literally: parse host or path to recover
// {environment, script_name}, look up the tenant worker by script name in the
// matching NAMESPACE_{ENV} binding, and forward the request with the
// X-OverSkill-* trace headers.
const dispatchWorkerScript = `
const ENV_PREFIXES = ["preview-", "staging-"];

function resolveEnvAndScript(hostLabel) {
  for (const prefix of ENV_PREFIXES) {
    if (hostLabel.startsWith(prefix)) {
      return { env: prefix.slice(0, -1), script: hostLabel.slice(prefix.length).toLowerCase() };
    }
  }
  return { env: "production", script: hostLabel.toLowerCase() };
}

function routeFromRequest(request, appsDomain) {
  const url = new URL(request.url);
  if (appsDomain && url.hostname.endsWith("." + appsDomain)) {
    const label = url.hostname.slice(0, url.hostname.length - appsDomain.length - 1);
    const { env, script } = resolveEnvAndScript(label);
    return { env, script, routing: "subdomain" };
  }
  const match = url.pathname.match(/^\/app\/([^/]+)/);
  if (match) {
    const { env, script } = resolveEnvAndScript(match[1]);
    return { env, script, routing: "path" };
  }
  return null;
}

function namespaceBindingFor(env, bindings) {
  switch (env) {
    case "preview":
      return bindings.NAMESPACE_PREVIEW;
    case "staging":
      return bindings.NAMESPACE_STAGING;
    default:
      return bindings.NAMESPACE_PRODUCTION;
  }
}

export default {
  async fetch(request, env) {
    const route = routeFromRequest(request, env.APP_DOMAIN);
    if (!route) {
      return new Response("not found", { status: 404 });
    }
    const namespace = namespaceBindingFor(route.env, env);
    if (!namespace) {
      return new Response("not found", { status: 404 });
    }
    let worker;
    try {
      worker = namespace.get(route.script);
    } catch (err) {
      return new Response("not found", { status: 404 });
    }
    const forwarded = new Request(request);
    forwarded.headers.set("X-OverSkill-Environment", route.env);
    forwarded.headers.set("X-OverSkill-Script", route.script);
    forwarded.headers.set("X-OverSkill-Routing", route.routing);
    forwarded.headers.set("X-OverSkill-Original-Host", new URL(request.url).hostname);
    return worker.fetch(forwarded);
  },
};
`
